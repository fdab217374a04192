package secureqr

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"secure-qr-service/internal/domain"
)

var pssOptions = &rsa.PSSOptions{
	SaltLength: rsa.PSSSaltLengthAuto, // 署名時は最大長、検証時は自動判定
	Hash:       crypto.SHA256,
}

// Signer はRSA-PSS(SHA-256, MGF1/SHA-256)で署名・検証する。
// 署名対象は暗号文のBase64文字列そのもので、再エンコードされると検証に失敗する。
type Signer struct {
	keys *KeyStore
}

// NewSigner は新しいSignerを生成する。
func NewSigner(keys *KeyStore) *Signer {
	return &Signer{keys: keys}
}

// Sign はmessageに署名する。秘密鍵がない場合はErrKeyStoreUnavailableを返す。
func (s *Signer) Sign(message []byte) ([]byte, error) {
	if !s.keys.CanSign() {
		return nil, fmt.Errorf("%w: private key is not loaded", domain.ErrKeyStoreUnavailable)
	}
	digest := sha256.Sum256(message)
	sig, err := rsa.SignPSS(rand.Reader, s.keys.privateKey, crypto.SHA256, digest[:], pssOptions)
	if err != nil {
		return nil, fmt.Errorf("signing: %w", err)
	}
	return sig, nil
}

// Verify は署名を検証する。不正な入力に対してもエラーは返さずfalseを返す。
func (s *Signer) Verify(message, signature []byte) bool {
	if len(signature) == 0 {
		return false
	}
	digest := sha256.Sum256(message)
	return rsa.VerifyPSS(s.keys.publicKey, crypto.SHA256, digest[:], signature, pssOptions) == nil
}

// SignCiphertext は暗号文のBase64文字列に署名し、署名をBase64で返す。
func (s *Signer) SignCiphertext(ciphertextB64 string) (string, error) {
	sig, err := s.Sign([]byte(ciphertextB64))
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyCiphertext はエンベロープのdata・sigフィールドを検証する。
func (s *Signer) VerifyCiphertext(ciphertextB64, signatureB64 string) bool {
	sig, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	return s.Verify([]byte(ciphertextB64), sig)
}
