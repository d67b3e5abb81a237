// Package credential loads and verifies the single admin account of an
// experiment.
package credential

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/tidwall/jsonc"
	"golang.org/x/crypto/pbkdf2"

	apperrors "github.com/louisbranch/classroom-rpc/internal/platform/errors"
)

const (
	// Algorithm tags records hashed with PBKDF2-HMAC-SHA256.
	Algorithm = "pbkdf2_sha256"
	// DefaultIterations is the PBKDF2 cost used when none is configured.
	DefaultIterations = 200_000

	saltSize = 16
	keySize  = 32

	defaultUsername = "admin"
	defaultPassword = "password"
)

// Source reports where the active credential came from.
type Source string

const (
	SourceFile     Source = "file"
	SourceEnv      Source = "env"
	SourceDefault  Source = "default"
	SourceUpgraded Source = "file-legacy"
)

// Credential is a hashed admin record. Plaintext passwords never appear in
// it.
type Credential struct {
	Username     string `json:"username"`
	PasswordHash string `json:"password_hash"`
	Salt         string `json:"salt"`
	Iterations   int    `json:"iterations"`
	Algorithm    string `json:"algorithm"`
}

// Hash derives a new credential for username/password with a random salt.
func Hash(username, password string, iterations int) (Credential, error) {
	if iterations <= 0 {
		iterations = DefaultIterations
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return Credential{}, fmt.Errorf("generate salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), salt, iterations, keySize, sha256.New)
	return Credential{
		Username:     username,
		PasswordHash: hex.EncodeToString(key),
		Salt:         hex.EncodeToString(salt),
		Iterations:   iterations,
		Algorithm:    Algorithm,
	}, nil
}

// Verify recomputes the hash with the stored salt and iteration count and
// compares in constant time.
func (c Credential) Verify(username, password string) bool {
	if c.Algorithm != Algorithm || c.Iterations <= 0 {
		return false
	}
	want, err := hex.DecodeString(c.PasswordHash)
	if err != nil || len(want) == 0 {
		return false
	}
	salt, err := hex.DecodeString(c.Salt)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, c.Iterations, len(want), sha256.New)
	userOK := subtle.ConstantTimeCompare([]byte(username), []byte(c.Username))
	passOK := subtle.ConstantTimeCompare(got, want)
	return userOK&passOK == 1
}

// Options controls Load.
type Options struct {
	// Iterations is the cost used when upgrading legacy or default records.
	Iterations int
	// WriteBack persists an upgraded legacy record over the original file.
	WriteBack bool
	// Override, when set, replaces the file for the life of the process.
	Override *Credential
}

// Store holds the active credential for one experiment.
type Store struct {
	cred   Credential
	source Source
	path   string
}

// Load reads the credential file at path. Both hashed records and legacy
// plaintext records ({username, password}, or {user, pass}) are accepted; the
// latter are hashed in memory and written back only when opts.WriteBack is
// set. A missing file falls back to the development default admin/password.
// JSON comments and trailing commas are tolerated.
func Load(path string, opts Options) (*Store, error) {
	if opts.Override != nil {
		return &Store{cred: *opts.Override, source: SourceEnv, path: path}, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Printf("warning: no admin credentials at %s; using development default %s/%s", path, defaultUsername, defaultPassword)
		cred, err := Hash(defaultUsername, defaultPassword, opts.Iterations)
		if err != nil {
			return nil, err
		}
		return &Store{cred: cred, source: SourceDefault, path: path}, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageError, "read credentials", err)
	}

	cred, legacy, err := parse(data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorageError, fmt.Sprintf("parse credentials %s", path), err)
	}
	if legacy == nil {
		return &Store{cred: cred, source: SourceFile, path: path}, nil
	}

	cred, err = Hash(legacy.username, legacy.password, opts.Iterations)
	if err != nil {
		return nil, err
	}
	store := &Store{cred: cred, source: SourceUpgraded, path: path}
	if opts.WriteBack {
		if err := writeFile(path, cred); err != nil {
			return nil, apperrors.Wrap(apperrors.CodeStorageError, "write upgraded credentials", err)
		}
		store.source = SourceFile
		log.Printf("upgraded plaintext credentials path=%s", path)
	}
	return store, nil
}

// Verify reports whether username/password match the active credential.
func (s *Store) Verify(username, password string) bool {
	return s.cred.Verify(username, password)
}

// Username returns the admin username.
func (s *Store) Username() string { return s.cred.Username }

// Source reports where the credential came from.
func (s *Store) Source() Source { return s.source }

type legacyRecord struct {
	username string
	password string
}

type fileRecord struct {
	Username     string `json:"username"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Pass         string `json:"pass"`
	PasswordHash string `json:"password_hash"`
	Salt         string `json:"salt"`
	Iterations   int    `json:"iterations"`
	Algorithm    string `json:"algorithm"`
}

func parse(data []byte) (Credential, *legacyRecord, error) {
	var rec fileRecord
	if err := json.Unmarshal(jsonc.ToJSON(data), &rec); err != nil {
		return Credential{}, nil, err
	}
	username := firstNonEmpty(rec.Username, rec.User)
	if username == "" {
		return Credential{}, nil, errors.New("username is required")
	}
	if rec.PasswordHash != "" {
		algorithm := rec.Algorithm
		if algorithm == "" {
			algorithm = Algorithm
		}
		if algorithm != Algorithm {
			return Credential{}, nil, fmt.Errorf("unsupported algorithm %q", algorithm)
		}
		if rec.Salt == "" || rec.Iterations <= 0 {
			return Credential{}, nil, errors.New("hashed record requires salt and iterations")
		}
		return Credential{
			Username:     username,
			PasswordHash: rec.PasswordHash,
			Salt:         rec.Salt,
			Iterations:   rec.Iterations,
			Algorithm:    algorithm,
		}, nil, nil
	}
	password := rec.Password
	if strings.TrimSpace(password) == "" {
		password = rec.Pass
	}
	if strings.TrimSpace(password) == "" {
		return Credential{}, nil, errors.New("password is required")
	}
	return Credential{}, &legacyRecord{username: username, password: password}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// writeFile replaces path atomically with the hashed record.
func writeFile(path string, cred Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".admin_credentials-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
