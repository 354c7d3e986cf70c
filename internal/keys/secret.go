package keys

import (
	"fmt"

	"github.com/awnumar/memguard"
	"github.com/dmitrijs2005/gophnotes/internal/common"
)

// secret is key material held in memory.
type secret interface {
	use(fn func(key []byte) error) error
	destroy()
}

// plainSecret holds material that also exists wrapped on disk.
type plainSecret struct {
	b []byte
}

func newPlainSecret(b []byte) *plainSecret {
	return &plainSecret{b: common.CloneBytes(b)}
}

func (s *plainSecret) use(fn func(key []byte) error) error {
	if s.b == nil {
		return common.ErrKeyNotFound
	}
	return fn(s.b)
}

func (s *plainSecret) destroy() {
	common.WipeByteArray(s.b)
	s.b = nil
}

// lockedSecret keeps material encrypted in a memguard enclave and only
// decrypts it into locked memory for the duration of use.
type lockedSecret struct {
	e *memguard.Enclave
}

func newLockedSecret(b []byte) *lockedSecret {
	// NewEnclave wipes its argument.
	return &lockedSecret{e: memguard.NewEnclave(common.CloneBytes(b))}
}

func (s *lockedSecret) use(fn func(key []byte) error) error {
	if s.e == nil {
		return common.ErrKeyNotFound
	}
	buf, err := s.e.Open()
	if err != nil {
		return fmt.Errorf("open enclave: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

func (s *lockedSecret) destroy() {
	s.e = nil
}

func copyOf(s secret) ([]byte, error) {
	var out []byte
	err := s.use(func(k []byte) error {
		out = common.CloneBytes(k)
		return nil
	})
	return out, err
}
