/*
 * Package confdir implements the configuration directory: the
 * `<confbase>/current/{meshlink.conf,hosts/<name>,invitations/<cookie>,lock}`
 * layout, an exclusive process lock, the storage policy
 * (DISABLED/KEYS_ONLY/ENABLED), and the at-rest AEAD envelope used when
 * encryption is enabled.
 *
 * Grounded on a node-construction flow (NewNode, transport Register)
 * generalized from an in-memory registration step to a disk-backed
 * one, plus a decision to reuse golang.org/x/sys/unix for the
 * exclusive lock (the UDP transport already reaches past net for raw
 * syscall-level control) and encoding/gob for the never-on-wire
 * internal structs (justified: these never cross a wire boundary
 * where internal/wire's tag-driven codec would apply).
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or (at
 * your option) any later version.
 *
 * This program is distributed in the hope that it will be useful, but
 * WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
 * General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

package confdir

import (
	"bytes"
	"crypto/rand"
	"encoding/gob"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/sys/unix"

	"github.com/meshlink/meshlink/internal/xcrypto"
)

// Policy is the on-disk storage policy.
type Policy int

const (
	Disabled Policy = iota
	KeysOnly
	Enabled
)

const (
	envelopeVersion = 1
	saltSize        = 16
	nonceSize       = 12
	tagSize         = 16
)

// scryptN/scryptR/scryptP are the slow-KDF cost parameters for
// deriving a per-file AEAD key from the passphrase and that file's
// stored salt.
const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// Dir is an opened configuration directory.
type Dir struct {
	mu         sync.Mutex
	base       string // <confbase>/current
	policy     Policy
	passphrase []byte // nil if encryption disabled
	lockFile   *os.File
}

// Open acquires the exclusive lock on confbase and returns a Dir ready
// for reads/writes. passphrase may be nil to disable at-rest
// encryption regardless of policy.
func Open(confbase string, policy Policy, passphrase []byte) (*Dir, error) {
	base := filepath.Join(confbase, "current")
	if err := os.MkdirAll(filepath.Join(base, "hosts"), 0700); err != nil {
		return nil, fmt.Errorf("confdir: creating hosts dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(base, "invitations"), 0700); err != nil {
		return nil, fmt.Errorf("confdir: creating invitations dir: %w", err)
	}

	lockPath := filepath.Join(base, "lock")
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("confdir: opening lock file: %w", err)
	}
	if err := unix.Flock(int(lf.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lf.Close()
		return nil, fmt.Errorf("confdir: another process holds %q: %w", confbase, err)
	}

	return &Dir{base: base, policy: policy, passphrase: passphrase, lockFile: lf}, nil
}

// Close releases the exclusive lock.
func (d *Dir) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.lockFile == nil {
		return nil
	}
	unix.Flock(int(d.lockFile.Fd()), unix.LOCK_UN)
	err := d.lockFile.Close()
	d.lockFile = nil
	return err
}

// Policy returns the storage policy this Dir was opened with.
func (d *Dir) Policy() Policy {
	return d.policy
}

// SelfConfig is the on-disk meshlink.conf record: the local node's
// name, identity keypair, listen port, and submesh tag.
type SelfConfig struct {
	Name        string
	PublicKey   []byte
	PrivateKey  []byte
	DeviceClass int
	Port        string
	Submesh     string
}

// WriteSelfConfig persists meshlink.conf.
func (d *Dir) WriteSelfConfig(cfg SelfConfig) error {
	if d.policy == Disabled {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("confdir: encoding meshlink.conf: %w", err)
	}
	return d.writeFile(filepath.Join(d.base, "meshlink.conf"), buf.Bytes())
}

// ReadSelfConfig loads meshlink.conf, returning an error the caller
// treats as "no prior identity" if the file has never been written.
func (d *Dir) ReadSelfConfig() (*SelfConfig, error) {
	raw, err := d.readFile(filepath.Join(d.base, "meshlink.conf"))
	if err != nil {
		return nil, err
	}
	var cfg SelfConfig
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("confdir: decoding meshlink.conf: %w", err)
	}
	return &cfg, nil
}

// HostRecord is the on-disk record for one known node: public key,
// last-known addresses, device class, and blacklist flag; the local
// node's record additionally carries PrivateKey.
type HostRecord struct {
	Name            string
	PublicKey       []byte
	PrivateKey      []byte // only populated for the local node
	Addresses       []string
	RecentAddresses []string // omitted under KeysOnly
	DeviceClass     int
	Submesh         string
	Blacklisted     bool
}

// WriteHost persists a node record under hosts/<name>. Under KeysOnly,
// volatile fields (addresses) are stripped before writing.
func (d *Dir) WriteHost(rec HostRecord) error {
	if d.policy == Disabled {
		return nil
	}
	if d.policy == KeysOnly {
		rec.Addresses = nil
		rec.RecentAddresses = nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("confdir: encoding host record: %w", err)
	}
	return d.writeFile(filepath.Join(d.base, "hosts", rec.Name), buf.Bytes())
}

// ReadHost loads a previously written node record.
func (d *Dir) ReadHost(name string) (*HostRecord, error) {
	raw, err := d.readFile(filepath.Join(d.base, "hosts", name))
	if err != nil {
		return nil, err
	}
	var rec HostRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("confdir: decoding host record %q: %w", name, err)
	}
	return &rec, nil
}

// ListHosts returns every node name with a persisted record.
func (d *Dir) ListHosts() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(d.base, "hosts"))
	if err != nil {
		return nil, fmt.Errorf("confdir: listing hosts: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// RemoveHost deletes a node's persisted record (forget_node).
func (d *Dir) RemoveHost(name string) error {
	err := os.Remove(filepath.Join(d.base, "hosts", name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("confdir: removing host %q: %w", name, err)
	}
	return nil
}

// InvitationRecord is the on-disk record for one pending invitation,
// stored under invitations/<cookie>.
type InvitationRecord struct {
	Cookie      string
	InviteeName string
	IssuedAt    int64 // unix seconds
	ExpiresAt   int64 // unix seconds
}

// WriteInvitation persists a pending invitation under
// invitations/<cookie>.
func (d *Dir) WriteInvitation(rec InvitationRecord) error {
	if d.policy == Disabled {
		return nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("confdir: encoding invitation record: %w", err)
	}
	return d.writeFile(filepath.Join(d.base, "invitations", rec.Cookie), buf.Bytes())
}

// ReadInvitation loads a pending invitation by cookie.
func (d *Dir) ReadInvitation(cookie string) (*InvitationRecord, error) {
	raw, err := d.readFile(filepath.Join(d.base, "invitations", cookie))
	if err != nil {
		return nil, err
	}
	var rec InvitationRecord
	if err := gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec); err != nil {
		return nil, fmt.Errorf("confdir: decoding invitation record %q: %w", cookie, err)
	}
	return &rec, nil
}

// RemoveInvitation deletes a redeemed or expired invitation.
func (d *Dir) RemoveInvitation(cookie string) error {
	err := os.Remove(filepath.Join(d.base, "invitations", cookie))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("confdir: removing invitation %q: %w", cookie, err)
	}
	return nil
}

// writeFile writes raw bytes, applying the at-rest AEAD envelope if a
// passphrase is configured.
func (d *Dir) writeFile(path string, raw []byte) error {
	out := raw
	if d.passphrase != nil {
		enveloped, err := seal(d.passphrase, raw)
		if err != nil {
			return err
		}
		out = enveloped
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0600); err != nil {
		return fmt.Errorf("confdir: writing %q: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("confdir: renaming into place %q: %w", path, err)
	}
	return nil
}

// readFile reads raw bytes, removing the at-rest AEAD envelope if a
// passphrase is configured. A wrong passphrase or corrupted envelope
// surfaces as a plain error; callers map this to ErrStorage.
func (d *Dir) readFile(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("confdir: reading %q: %w", path, err)
	}
	if d.passphrase == nil {
		return raw, nil
	}
	return open(d.passphrase, raw)
}

// envelope layout: version(1) | salt(16) | nonce(12) | ciphertext | tag(16).
func seal(passphrase, plaintext []byte) ([]byte, error) {
	var salt [saltSize]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return nil, err
	}
	key, err := deriveFileKey(passphrase, salt[:])
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	var aeadKey [xcrypto.AEADKeySize]byte
	copy(aeadKey[:], key)
	var aeadNonce [xcrypto.AEADNonceSize]byte
	copy(aeadNonce[:], nonce[:])
	ct, err := xcrypto.Seal(aeadKey, aeadNonce, plaintext, nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+saltSize+nonceSize+len(ct))
	out = append(out, envelopeVersion)
	out = append(out, salt[:]...)
	out = append(out, nonce[:]...)
	out = append(out, ct...)
	return out, nil
}

func open(passphrase, enveloped []byte) ([]byte, error) {
	if len(enveloped) < 1+saltSize+nonceSize+tagSize {
		return nil, fmt.Errorf("confdir: envelope truncated")
	}
	if enveloped[0] != envelopeVersion {
		return nil, fmt.Errorf("confdir: unknown envelope version %d", enveloped[0])
	}
	salt := enveloped[1 : 1+saltSize]
	nonce := enveloped[1+saltSize : 1+saltSize+nonceSize]
	ct := enveloped[1+saltSize+nonceSize:]
	key, err := deriveFileKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	var aeadKey [xcrypto.AEADKeySize]byte
	copy(aeadKey[:], key)
	var aeadNonce [xcrypto.AEADNonceSize]byte
	copy(aeadNonce[:], nonce)
	pt, err := xcrypto.Open(aeadKey, aeadNonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("confdir: wrong passphrase or corrupted file: %w", err)
	}
	return pt, nil
}

func deriveFileKey(passphrase, salt []byte) ([]byte, error) {
	return scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, xcrypto.AEADKeySize)
}

// RotateKey re-encrypts every file under current/ with newPassphrase,
// atomically: it stages the new tree alongside the old one, fsyncs,
// then swaps directories, so a crash mid-rotation always leaves
// either the old or the new key valid, never a mix.
func (d *Dir) RotateKey(newPassphrase []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stageDir := d.base + ".rotate"
	if err := os.RemoveAll(stageDir); err != nil {
		return fmt.Errorf("confdir: clearing stale rotation dir: %w", err)
	}
	if err := copyTreeReencrypted(d.base, stageDir, d.passphrase, newPassphrase); err != nil {
		os.RemoveAll(stageDir)
		return err
	}
	if err := syncDir(stageDir); err != nil {
		os.RemoveAll(stageDir)
		return err
	}

	oldDir := d.base + ".old"
	os.RemoveAll(oldDir)
	if err := os.Rename(d.base, oldDir); err != nil {
		os.RemoveAll(stageDir)
		return fmt.Errorf("confdir: staging old tree aside: %w", err)
	}
	if err := os.Rename(stageDir, d.base); err != nil {
		// best effort: restore old tree so one of K/K' is always valid
		os.Rename(oldDir, d.base)
		return fmt.Errorf("confdir: swapping in rotated tree: %w", err)
	}
	os.RemoveAll(oldDir)

	d.passphrase = newPassphrase
	return nil
}

func copyTreeReencrypted(srcDir, dstDir string, oldKey, newKey []byte) error {
	if err := os.MkdirAll(filepath.Join(dstDir, "hosts"), 0700); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(dstDir, "invitations"), 0700); err != nil {
		return err
	}
	for _, sub := range []string{"hosts", "invitations"} {
		entries, err := os.ReadDir(filepath.Join(srcDir, sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(srcDir, sub, e.Name()))
			if err != nil {
				return err
			}
			plain := raw
			if oldKey != nil {
				plain, err = open(oldKey, raw)
				if err != nil {
					return fmt.Errorf("confdir: decrypting %s/%s during rotation: %w", sub, e.Name(), err)
				}
			}
			out := plain
			if newKey != nil {
				out, err = seal(newKey, plain)
				if err != nil {
					return err
				}
			}
			if err := os.WriteFile(filepath.Join(dstDir, sub, e.Name()), out, 0600); err != nil {
				return err
			}
		}
	}

	confRaw, err := os.ReadFile(filepath.Join(srcDir, "meshlink.conf"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	plain := confRaw
	if oldKey != nil {
		plain, err = open(oldKey, confRaw)
		if err != nil {
			return fmt.Errorf("confdir: decrypting meshlink.conf during rotation: %w", err)
		}
	}
	out := plain
	if newKey != nil {
		out, err = seal(newKey, plain)
		if err != nil {
			return err
		}
	}
	return os.WriteFile(filepath.Join(dstDir, "meshlink.conf"), out, 0600)
}

func syncDir(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
