package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// DefaultExchangeAddress is the Polymarket CTF Exchange on Polygon mainnet.
const DefaultExchangeAddress = "0x4bFb41d5B3570DeFd03C39a9A4D8dE6Bd8B8982E"

const clobAuthMessage = "This message attests that I control the given wallet"

var (
	authDomainTypeHash = ethcrypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId)"))
	exchangeDomainTypeHash = ethcrypto.Keccak256([]byte(
		"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	clobAuthTypeHash = ethcrypto.Keccak256([]byte(
		"ClobAuth(address address,string timestamp,uint256 nonce,string message)"))
	orderTypeHash = ethcrypto.Keccak256([]byte(
		"Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"))
)

// Side is the on-chain order side.
type Side uint8

const (
	SideBuy  Side = 0
	SideSell Side = 1
)

// Order holds the signed fields of a CTF Exchange order. Amounts are in
// base units (6 decimals for both USDC and outcome shares).
type Order struct {
	Salt          *big.Int
	Maker         common.Address
	Signer        common.Address
	Taker         common.Address
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          Side
	SignatureType uint8
}

// Signer produces EIP-712 signatures for CLOB auth and exchange orders.
type Signer struct {
	key      *ecdsa.PrivateKey
	address  common.Address
	chainID  *big.Int
	authSep  []byte
	exchange common.Address
	orderSep []byte
}

// NewSigner parses a hex secp256k1 key. chainID is 137 on Polygon mainnet;
// exchange is the verifying contract for order signatures.
func NewSigner(privateKeyHex string, chainID int64, exchange string) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	if exchange == "" {
		exchange = DefaultExchangeAddress
	}
	if !common.IsHexAddress(exchange) {
		return nil, fmt.Errorf("crypto/signer: invalid exchange address %q", exchange)
	}

	s := &Signer{
		key:      pk,
		address:  ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID:  big.NewInt(chainID),
		exchange: common.HexToAddress(exchange),
	}
	s.authSep = ethcrypto.Keccak256(
		authDomainTypeHash,
		ethcrypto.Keccak256([]byte("ClobAuthDomain")),
		ethcrypto.Keccak256([]byte("1")),
		word(s.chainID),
	)
	s.orderSep = ethcrypto.Keccak256(
		exchangeDomainTypeHash,
		ethcrypto.Keccak256([]byte("Polymarket CTF Exchange")),
		ethcrypto.Keccak256([]byte("1")),
		word(s.chainID),
		common.LeftPadBytes(s.exchange.Bytes(), 32),
	)
	return s, nil
}

// Address is the EOA derived from the key.
func (s *Signer) Address() common.Address { return s.address }

// SignClobAuth signs the L1 ClobAuth message used to derive API credentials.
func (s *Signer) SignClobAuth(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(
		clobAuthTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		ethcrypto.Keccak256([]byte(fmt.Sprintf("%d", timestamp))),
		word(big.NewInt(nonce)),
		ethcrypto.Keccak256([]byte(clobAuthMessage)),
	)
	return s.sign(s.authSep, structHash)
}

// SignOrder signs o under the exchange domain.
func (s *Signer) SignOrder(o Order) (string, error) {
	for name, v := range map[string]*big.Int{
		"salt": o.Salt, "tokenId": o.TokenID, "makerAmount": o.MakerAmount,
		"takerAmount": o.TakerAmount, "expiration": o.Expiration,
		"nonce": o.Nonce, "feeRateBps": o.FeeRateBps,
	} {
		if v == nil {
			return "", fmt.Errorf("crypto/signer: order %s is nil", name)
		}
	}

	structHash := ethcrypto.Keccak256(
		orderTypeHash,
		word(o.Salt),
		common.LeftPadBytes(o.Maker.Bytes(), 32),
		common.LeftPadBytes(o.Signer.Bytes(), 32),
		common.LeftPadBytes(o.Taker.Bytes(), 32),
		word(o.TokenID),
		word(o.MakerAmount),
		word(o.TakerAmount),
		word(o.Expiration),
		word(o.Nonce),
		word(o.FeeRateBps),
		word(big.NewInt(int64(o.Side))),
		word(big.NewInt(int64(o.SignatureType))),
	)
	return s.sign(s.orderSep, structHash)
}

// sign returns the 65-byte r||s||v signature over
// keccak256("\x19\x01" || domainSep || structHash), with v in {27,28}.
func (s *Signer) sign(domainSep, structHash []byte) (string, error) {
	digest := ethcrypto.Keccak256([]byte{0x19, 0x01}, domainSep, structHash)
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// word left-pads n to a 32-byte ABI word.
func word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}
