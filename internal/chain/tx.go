package chain

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/mr-tron/base58"

	"github.com/signalswap/backend/internal/core"
)

// shortVec decodes Solana's compact-u16 length prefix, returning the value
// and the number of bytes consumed.
func shortVec(b []byte) (int, int, error) {
	var value, shift, n int
	for {
		if n >= len(b) || n > 2 {
			return 0, 0, fmt.Errorf("%w: truncated compact-u16", core.ErrUpstreamProtocol)
		}
		c := b[n]
		value |= int(c&0x7f) << shift
		n++
		if c&0x80 == 0 {
			return value, n, nil
		}
		shift += 7
	}
}

// SignTransaction signs a serialized transaction (the fee payer slot) and
// returns the signed bytes plus the base58 signature. The router hands us
// transactions with signature slots zeroed; our wallet is always the fee
// payer, so the signature lands in slot 0.
func SignTransaction(secret, tx []byte) (signed []byte, signature string, err error) {
	if len(secret) != KeySize {
		return nil, "", fmt.Errorf("%w: secret key must be %d bytes", core.ErrCryptoIntegrity, KeySize)
	}

	numSigs, prefix, err := shortVec(tx)
	if err != nil {
		return nil, "", err
	}
	msgStart := prefix + numSigs*ed25519.SignatureSize
	if numSigs < 1 || len(tx) <= msgStart {
		return nil, "", fmt.Errorf("%w: malformed transaction envelope", core.ErrUpstreamProtocol)
	}

	sig := ed25519.Sign(ed25519.PrivateKey(secret), tx[msgStart:])

	signed = make([]byte, len(tx))
	copy(signed, tx)
	copy(signed[prefix:], sig)
	return signed, base58.Encode(sig), nil
}

// SignTransactionBase64 is SignTransaction over base64 wire encoding, as
// returned by the swap router and expected by sendTransaction.
func SignTransactionBase64(secret []byte, txBase64 string) (signedBase64, signature string, err error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", "", fmt.Errorf("%w: decode transaction: %v", core.ErrUpstreamProtocol, err)
	}
	signed, sig, err := SignTransaction(secret, raw)
	if err != nil {
		return "", "", err
	}
	return base64.StdEncoding.EncodeToString(signed), sig, nil
}

// ExtractBlockhash returns the base58 recent blockhash embedded in a
// serialized transaction, handling both legacy and versioned messages.
func ExtractBlockhash(tx []byte) (string, error) {
	numSigs, prefix, err := shortVec(tx)
	if err != nil {
		return "", err
	}
	msg := tx[min(len(tx), prefix+numSigs*ed25519.SignatureSize):]
	if len(msg) == 0 {
		return "", fmt.Errorf("%w: empty transaction message", core.ErrUpstreamProtocol)
	}

	// Versioned messages carry a version prefix byte with the high bit set.
	if msg[0]&0x80 != 0 {
		msg = msg[1:]
	}
	if len(msg) < 4 {
		return "", fmt.Errorf("%w: truncated message header", core.ErrUpstreamProtocol)
	}

	// 3-byte header, then the static account keys, then the blockhash.
	numAccounts, n, err := shortVec(msg[3:])
	if err != nil {
		return "", err
	}
	off := 3 + n + numAccounts*32
	if len(msg) < off+32 {
		return "", fmt.Errorf("%w: truncated account table", core.ErrUpstreamProtocol)
	}
	return base58.Encode(msg[off : off+32]), nil
}

// ExtractBlockhashBase64 is ExtractBlockhash over base64 wire encoding.
func ExtractBlockhashBase64(txBase64 string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(txBase64)
	if err != nil {
		return "", fmt.Errorf("%w: decode transaction: %v", core.ErrUpstreamProtocol, err)
	}
	return ExtractBlockhash(raw)
}
