package vault

import (
	"bytes"
	"errors"
	"testing"
)

// Light work factors so key tests stay fast.
var testKDF = Argon2idParams{Memory: 8 * 1024, Iterations: 1, Parallelism: 2}

func TestDeriveMasterKey_Deterministic(t *testing.T) {
	salt := bytes.Repeat([]byte{0xAB}, SaltSize)

	k1, err := DeriveMasterKey([]byte("correct horse battery staple"), salt, testKDF)
	if err != nil {
		t.Fatalf("DeriveMasterKey failed: %v", err)
	}
	k2, err := DeriveMasterKey([]byte("correct horse battery staple"), salt, testKDF)
	if err != nil {
		t.Fatalf("DeriveMasterKey failed: %v", err)
	}

	if len(k1) != KeySize {
		t.Errorf("key size mismatch: got %d, want %d", len(k1), KeySize)
	}
	if !bytes.Equal(k1, k2) {
		t.Error("same password and salt produced different keys")
	}
}

func TestDeriveMasterKey_SaltAndPasswordMatter(t *testing.T) {
	salt1 := bytes.Repeat([]byte{0x01}, SaltSize)
	salt2 := bytes.Repeat([]byte{0x02}, SaltSize)

	base, err := DeriveMasterKey([]byte("password"), salt1, testKDF)
	if err != nil {
		t.Fatalf("DeriveMasterKey failed: %v", err)
	}

	otherSalt, err := DeriveMasterKey([]byte("password"), salt2, testKDF)
	if err != nil {
		t.Fatalf("DeriveMasterKey failed: %v", err)
	}
	if bytes.Equal(base, otherSalt) {
		t.Error("different salts produced the same key")
	}

	otherPassword, err := DeriveMasterKey([]byte("Password"), salt1, testKDF)
	if err != nil {
		t.Fatalf("DeriveMasterKey failed: %v", err)
	}
	if bytes.Equal(base, otherPassword) {
		t.Error("different passwords produced the same key")
	}
}

func TestDeriveMasterKey_EmptyInputs(t *testing.T) {
	salt := bytes.Repeat([]byte{0x01}, SaltSize)

	if _, err := DeriveMasterKey(nil, salt, testKDF); err == nil {
		t.Error("empty password accepted")
	}
	if _, err := DeriveMasterKey([]byte("password"), nil, testKDF); err == nil {
		t.Error("empty salt accepted")
	}
}

func TestWrapUnwrapDataKey(t *testing.T) {
	for _, suite := range []CipherSuite{CipherAES256GCM, CipherChaCha20Poly1305} {
		t.Run(suite.String(), func(t *testing.T) {
			dataKey, err := GenerateDataKey()
			if err != nil {
				t.Fatalf("GenerateDataKey failed: %v", err)
			}
			masterKey, err := GenerateDataKey()
			if err != nil {
				t.Fatalf("GenerateDataKey failed: %v", err)
			}

			nonce, wrapped, err := WrapDataKey(dataKey, masterKey, suite)
			if err != nil {
				t.Fatalf("WrapDataKey failed: %v", err)
			}
			if len(nonce) != WrapNonceSize {
				t.Errorf("nonce size mismatch: got %d, want %d", len(nonce), WrapNonceSize)
			}
			if len(wrapped) != WrappedKeySize {
				t.Errorf("wrapped size mismatch: got %d, want %d", len(wrapped), WrappedKeySize)
			}

			unwrapped, err := UnwrapDataKey(wrapped, nonce, masterKey, suite)
			if err != nil {
				t.Fatalf("UnwrapDataKey failed: %v", err)
			}
			if !bytes.Equal(unwrapped, dataKey) {
				t.Error("unwrapped key does not match original")
			}
		})
	}
}

func TestUnwrapDataKey_WrongKey(t *testing.T) {
	dataKey, _ := GenerateDataKey()
	masterKey, _ := GenerateDataKey()
	wrongKey, _ := GenerateDataKey()

	nonce, wrapped, err := WrapDataKey(dataKey, masterKey, CipherAES256GCM)
	if err != nil {
		t.Fatalf("WrapDataKey failed: %v", err)
	}

	if _, err := UnwrapDataKey(wrapped, nonce, wrongKey, CipherAES256GCM); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestUnwrapDataKey_Tampered(t *testing.T) {
	dataKey, _ := GenerateDataKey()
	masterKey, _ := GenerateDataKey()

	nonce, wrapped, err := WrapDataKey(dataKey, masterKey, CipherAES256GCM)
	if err != nil {
		t.Fatalf("WrapDataKey failed: %v", err)
	}

	wrapped[0] ^= 0x01
	if _, err := UnwrapDataKey(wrapped, nonce, masterKey, CipherAES256GCM); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("tampered wrapped key: expected ErrAuthenticationFailed, got %v", err)
	}

	wrapped[0] ^= 0x01
	if _, err := UnwrapDataKey(wrapped[:10], nonce, masterKey, CipherAES256GCM); !errors.Is(err, ErrAuthenticationFailed) {
		t.Errorf("truncated wrapped key: expected ErrAuthenticationFailed, got %v", err)
	}
}

func TestExpandDataKey_DistinctSubkeys(t *testing.T) {
	dataKey, _ := GenerateDataKey()

	contentKey, indexKey, err := expandDataKey(dataKey)
	if err != nil {
		t.Fatalf("expandDataKey failed: %v", err)
	}
	if len(contentKey) != KeySize || len(indexKey) != KeySize {
		t.Fatalf("subkey sizes: got %d and %d, want %d", len(contentKey), len(indexKey), KeySize)
	}
	if bytes.Equal(contentKey, indexKey) {
		t.Error("content and index subkeys are identical")
	}
	if bytes.Equal(contentKey, dataKey) || bytes.Equal(indexKey, dataKey) {
		t.Error("subkey equals the data key")
	}

	// Same data key must yield the same subkeys after a lock/unlock cycle.
	contentKey2, indexKey2, err := expandDataKey(dataKey)
	if err != nil {
		t.Fatalf("expandDataKey failed: %v", err)
	}
	if !bytes.Equal(contentKey, contentKey2) || !bytes.Equal(indexKey, indexKey2) {
		t.Error("expansion is not deterministic")
	}
}

func TestZero(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	Zero(b)
	for i, v := range b {
		if v != 0 {
			t.Errorf("byte %d not zeroed: %d", i, v)
		}
	}
	Zero(nil) // must not panic
}
