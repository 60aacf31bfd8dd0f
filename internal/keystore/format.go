package keystore

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"

	dserrors "github.com/systmms/dskeys/internal/errors"
	"github.com/systmms/dskeys/internal/secure"
	"github.com/systmms/dskeys/pkg/credential"
)

var keyFormats = map[credential.ProviderType]*regexp.Regexp{
	credential.ProviderOpenAI:       regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`),
	credential.ProviderAnthropic:    regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`),
	credential.ProviderGemini:       regexp.MustCompile(`^AIza[0-9A-Za-z_-]{35}$`),
	credential.ProviderMistral:      regexp.MustCompile(`^[A-Za-z0-9]{32}$`),
	credential.ProviderGroq:         regexp.MustCompile(`^gsk_[A-Za-z0-9]{20,}$`),
	credential.ProviderXAI:          regexp.MustCompile(`^xai-[A-Za-z0-9]{20,}$`),
	credential.ProviderCohere:       regexp.MustCompile(`^[A-Za-z0-9]{40}$`),
	credential.ProviderPerplexity:   regexp.MustCompile(`^pplx-[A-Za-z0-9]{20,}$`),
	credential.ProviderMicroservice: regexp.MustCompile(`^\S{16,}$`),
}

var formatHints = map[credential.ProviderType]string{
	credential.ProviderOpenAI:       "expected sk-...",
	credential.ProviderAnthropic:    "expected sk-ant-...",
	credential.ProviderGemini:       "expected a 39 character key starting with AIza",
	credential.ProviderMistral:      "expected 32 alphanumeric characters",
	credential.ProviderGroq:         "expected gsk_...",
	credential.ProviderXAI:          "expected xai-...",
	credential.ProviderCohere:       "expected 40 alphanumeric characters",
	credential.ProviderPerplexity:   "expected pplx-...",
	credential.ProviderMicroservice: "expected at least 16 non-space characters",
}

// ValidateFormat checks key material against the provider's key shape
func ValidateFormat(provider credential.ProviderType, key *secure.Secret) error {
	re, ok := keyFormats[provider]
	if !ok {
		return dserrors.ValidationError{Field: "provider", Message: "unsupported provider " + string(provider)}
	}
	return key.Use(func(b []byte) error {
		if len(b) == 0 {
			return dserrors.ValidationError{Field: "key", Message: "key is empty"}
		}
		if !re.Match(b) {
			return dserrors.ValidationError{Field: "key", Message: "malformed " + string(provider) + " key: " + formatHints[provider]}
		}
		return nil
	})
}

// Fingerprint is a short non-reversible identifier for display and audit
func Fingerprint(key *secure.Secret) (string, error) {
	var fp string
	err := key.Use(func(b []byte) error {
		sum := sha256.Sum256(b)
		fp = hex.EncodeToString(sum[:8])
		return nil
	})
	return fp, err
}
