// Package secretx holds sensitive byte material with a guaranteed wipe.
//
// Credentials (passwords, bearer assertions) must not linger in memory after
// use. Go strings are immutable and cannot be scrubbed, so secret material is
// kept in a mutable buffer that is overwritten with a sentinel byte before the
// reference is released.
package secretx

// wipeSentinel is written over every byte of a wiped secret. A recognisable
// value makes an accidental read of wiped material obvious in a heap dump.
const wipeSentinel byte = 0x2A

// Secret owns a mutable buffer of sensitive bytes.
//
// A Secret is not safe for concurrent use. It is intended to be owned by a
// single credential and wiped exactly once when the credential is cleared.
type Secret struct {
	buf   []byte
	wiped bool
}

// New copies b into a fresh Secret. The caller should wipe its own copy of b
// if it no longer needs it.
func New(b []byte) *Secret {
	cp := make([]byte, len(b))
	copy(cp, b)
	return &Secret{buf: cp}
}

// FromString creates a Secret from s. The string itself cannot be scrubbed;
// prefer New with a byte slice when the caller controls the source.
func FromString(s string) *Secret {
	return New([]byte(s))
}

// Bytes returns the backing buffer. Callers must not retain the slice past
// the lifetime of the Secret, and must not mutate it.
func (s *Secret) Bytes() []byte {
	if s == nil || s.wiped {
		return nil
	}
	return s.buf
}

// String renders the secret as a string for wire encoding. Returns "" once
// wiped.
func (s *Secret) String() string {
	if s == nil || s.wiped {
		return ""
	}
	return string(s.buf)
}

// Len reports the length of the secret, or 0 once wiped.
func (s *Secret) Len() int {
	if s == nil || s.wiped {
		return 0
	}
	return len(s.buf)
}

// IsZero reports whether the secret is empty or has been wiped.
func (s *Secret) IsZero() bool {
	return s == nil || s.wiped || len(s.buf) == 0
}

// Wipe overwrites the buffer with the sentinel byte and releases it.
// Subsequent calls are no-ops.
func (s *Secret) Wipe() {
	if s == nil || s.wiped {
		return
	}
	for i := range s.buf {
		s.buf[i] = wipeSentinel
	}
	s.buf = nil
	s.wiped = true
}
