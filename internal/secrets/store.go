package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// Vault is a per-user file (0600) of credential access parameters, each
// entry sealed with AES-GCM under a key derived from a passphrase.
// Not a replacement for OS keychains but keeps passwords out of the DB.
type Vault struct {
	path       string
	passphrase string
	mu         sync.Mutex
}

type vaultFile struct {
	Salt    string            `json:"salt"`
	Entries map[string]string `json:"entries"` // credential id -> base64(nonce|ciphertext)
}

// PassphraseEnv overrides the default machine-derived passphrase.
const PassphraseEnv = "CLARIFY_VAULT_KEY"

// Open returns a vault stored at path. An empty passphrase falls back to
// PassphraseEnv, then to a value derived from the OS user.
func Open(path, passphrase string) *Vault {
	if passphrase == "" {
		passphrase = os.Getenv(PassphraseEnv)
	}
	if passphrase == "" {
		passphrase = fmt.Sprintf("clarify-%s-%s", runtime.GOOS, os.Getenv("USER"))
	}
	return &Vault{path: path, passphrase: passphrase}
}

// Put stores the access parameters for a credential, replacing any previous ones.
func (v *Vault) Put(credentialID int64, params map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	vf, err := v.load()
	if err != nil {
		return err
	}
	if vf.Salt == "" {
		salt := make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return err
		}
		vf.Salt = base64.StdEncoding.EncodeToString(salt)
	}
	plain, err := json.Marshal(params)
	if err != nil {
		return err
	}
	ct, err := v.seal(vf.Salt, plain)
	if err != nil {
		return err
	}
	vf.Entries[key(credentialID)] = base64.StdEncoding.EncodeToString(ct)
	return v.save(vf)
}

// Get returns the stored parameters, or nil when the credential has none.
func (v *Vault) Get(credentialID int64) (map[string]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	vf, err := v.load()
	if err != nil {
		return nil, err
	}
	enc, ok := vf.Entries[key(credentialID)]
	if !ok {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, err
	}
	plain, err := v.open(vf.Salt, raw)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential %d: %w", credentialID, err)
	}
	var params map[string]string
	if err := json.Unmarshal(plain, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func (v *Vault) Delete(credentialID int64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	vf, err := v.load()
	if err != nil {
		return err
	}
	delete(vf.Entries, key(credentialID))
	return v.save(vf)
}

func key(id int64) string { return strconv.FormatInt(id, 10) }

func (v *Vault) load() (vaultFile, error) {
	vf := vaultFile{Entries: map[string]string{}}
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return vf, nil
		}
		return vf, err
	}
	if err := json.Unmarshal(data, &vf); err != nil {
		return vf, fmt.Errorf("parse vault: %w", err)
	}
	if vf.Entries == nil {
		vf.Entries = map[string]string{}
	}
	return vf, nil
}

func (v *Vault) save(vf vaultFile) error {
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(vf, "", "  ")
	if err != nil {
		return err
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}

func (v *Vault) gcm(salt string) (cipher.AEAD, error) {
	rawSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, err
	}
	k, err := scrypt.Key([]byte(v.passphrase), rawSalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(k)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (v *Vault) seal(salt string, plain []byte) ([]byte, error) {
	gcm, err := v.gcm(salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func (v *Vault) open(salt string, ciphertext []byte) ([]byte, error) {
	gcm, err := v.gcm(salt)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce := ciphertext[:gcm.NonceSize()]
	body := ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, body, nil)
}
