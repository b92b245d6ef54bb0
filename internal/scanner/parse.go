package scanner

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/polysniper/internal/domain"
	"github.com/alanyoungcy/polysniper/internal/platform/polymarket"
)

var fifteenMinute = []*regexp.Regexp{
	regexp.MustCompile(`15[\s-]?min`),
	regexp.MustCompile(`15[\s-]?minute`),
	regexp.MustCompile(`15m\b`),
	regexp.MustCompile(`fifteen minute`),
	regexp.MustCompile(`fifteen-minute`),
}

// Tried in order; the first that yields a number wins.
var strikePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$([0-9,]+(?:\.[0-9]+)?)`),
	regexp.MustCompile(`(\d{1,3}(?:,\d{3})+)(?:\s*(?:USD|USDT))?`),
	regexp.MustCompile(`(?i)above\s+(\d+(?:,\d+)*(?:\.\d+)?)`),
}

var (
	isoEndFields   = []string{"end_date_iso", "endDateIso", "end_date", "endDate", "resolution_date"}
	epochEndFields = []string{"end_timestamp", "endTimestamp"}
	isoLayouts     = []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05.999999999",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02",
	}
)

// parseAsset matches bitcoin keywords before ethereum keywords.
func parseAsset(question string) (domain.Asset, bool) {
	q := strings.ToLower(question)
	switch {
	case strings.Contains(q, "btc"), strings.Contains(q, "bitcoin"):
		return domain.AssetBTC, true
	case strings.Contains(q, "eth"), strings.Contains(q, "ethereum"):
		return domain.AssetETH, true
	}
	return "", false
}

func isFifteenMinute(question, slug string) bool {
	combined := strings.ToLower(question + " " + slug)
	for _, re := range fifteenMinute {
		if re.MatchString(combined) {
			return true
		}
	}
	return false
}

// parseEndTime reads the first usable ISO field, then the epoch fields.
// Zone-less values are taken as UTC.
func parseEndTime(m polymarket.RawMarket) (time.Time, bool) {
	for _, f := range isoEndFields {
		s, _ := m[f].(string)
		if s == "" {
			continue
		}
		for _, layout := range isoLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC(), true
			}
		}
	}
	for _, f := range epochEndFields {
		switch v := m[f].(type) {
		case float64:
			return time.Unix(int64(v), 0).UTC(), true
		case string:
			if sec, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
				return time.Unix(sec, 0).UTC(), true
			}
		}
	}
	return time.Time{}, false
}

func parseStrike(question string) (float64, bool) {
	for _, re := range strikePatterns {
		match := re.FindStringSubmatch(question)
		if match == nil {
			continue
		}
		v, err := strconv.ParseFloat(strings.ReplaceAll(match[1], ",", ""), 64)
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}

// extractTokenIDs tries the outcome array, the flat id fields,
// clobTokenIds and finally the outcomes array, in that order.
func extractTokenIDs(m polymarket.RawMarket) (yes, no string) {
	if tokens, ok := m["tokens"].([]any); ok && len(tokens) >= 2 {
		for _, t := range tokens {
			obj, ok := t.(map[string]any)
			if !ok {
				continue
			}
			id := firstString(obj, "token_id", "tokenId")
			switch strings.ToUpper(str(obj["outcome"])) {
			case "YES":
				yes = id
			case "NO":
				no = id
			}
		}
	}

	clob := clobTokenIDs(m["clobTokenIds"])
	if yes == "" {
		yes = str(m["token_id_yes"])
		if yes == "" && len(clob) > 0 {
			yes = clob[0]
		}
	}
	if no == "" {
		no = str(m["token_id_no"])
		if no == "" && len(clob) > 1 {
			no = clob[1]
		}
	}

	if outcomes, ok := m["outcomes"].([]any); ok && len(outcomes) >= 2 && (yes == "" || no == "") {
		for _, o := range outcomes {
			obj, ok := o.(map[string]any)
			if !ok {
				continue
			}
			id := firstString(obj, "token_id", "tokenId")
			switch strings.ToUpper(str(obj["name"])) {
			case "YES":
				yes = id
			case "NO":
				no = id
			}
		}
	}
	return yes, no
}

// clobTokenIDs accepts either a JSON array or a JSON-encoded array string.
func clobTokenIDs(v any) []string {
	var items []any
	switch t := v.(type) {
	case []any:
		items = t
	case string:
		if err := json.Unmarshal([]byte(t), &items); err != nil {
			return nil
		}
	default:
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, str(it))
	}
	return out
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// str renders ids that may arrive as strings or JSON numbers.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	}
	return ""
}
