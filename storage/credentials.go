package storage

import (
	"fmt"

	"github.com/workmesh/credbroker/security"
)

// EncryptCredentials returns a copy of creds with the token fields encrypted
// at rest. Metadata fields (token type, expiry) stay in the clear so stores
// can evaluate expiry without decrypting.
// If encryptor is nil or disabled, the set is returned unchanged.
func EncryptCredentials(creds CredentialSet, encryptor *security.Encryptor) (CredentialSet, error) {
	if encryptor == nil || !encryptor.IsEnabled() {
		return creds, nil
	}

	out := creds
	var err error
	if creds.AccessToken != "" {
		out.AccessToken, err = encryptor.EncryptString(creds.AccessToken)
		if err != nil {
			return CredentialSet{}, fmt.Errorf("encrypt access token: %w", err)
		}
	}
	if creds.RefreshToken != "" {
		out.RefreshToken, err = encryptor.EncryptString(creds.RefreshToken)
		if err != nil {
			return CredentialSet{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
	}
	return out, nil
}

// DecryptCredentials reverses EncryptCredentials.
// If encryptor is nil or disabled, the set is returned unchanged.
func DecryptCredentials(creds CredentialSet, encryptor *security.Encryptor) (CredentialSet, error) {
	if encryptor == nil || !encryptor.IsEnabled() {
		return creds, nil
	}

	out := creds
	var err error
	if creds.AccessToken != "" {
		out.AccessToken, err = encryptor.DecryptString(creds.AccessToken)
		if err != nil {
			return CredentialSet{}, fmt.Errorf("decrypt access token: %w", err)
		}
	}
	if creds.RefreshToken != "" {
		out.RefreshToken, err = encryptor.DecryptString(creds.RefreshToken)
		if err != nil {
			return CredentialSet{}, fmt.Errorf("decrypt refresh token: %w", err)
		}
	}
	return out, nil
}
