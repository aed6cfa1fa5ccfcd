package obfuscator

import (
	crand "crypto/rand"
	"errors"
	"math/rand/v2"
)

var ErrEmptyKey = errors.New("obfuscation key is empty")

// Obfuscator binds the confuse codec to one session's key and padding limit.
type Obfuscator struct {
	key    []byte
	maxPad uint8
}

func New(key []byte, maxPad uint8) (*Obfuscator, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	k := make([]byte, len(key))
	copy(k, key)

	return &Obfuscator{
		key:    k,
		maxPad: maxPad,
	}, nil
}

func (o *Obfuscator) MaxPadding() uint8 {
	return o.maxPad
}

func (o *Obfuscator) Obfuscate(data []byte) []byte {
	return Encode(data, o.key, o.maxPad)
}

func (o *Obfuscator) Deobfuscate(data []byte) []byte {
	return Decode(data, o.key)
}

// Encode prepends n random bytes (n drawn from [0, maxPad]), appends n as a
// single trailing byte and XORs the result with the repeating key.
func Encode(payload, key []byte, maxPad uint8) []byte {
	n := rand.IntN(int(maxPad) + 1)

	result := make([]byte, n+len(payload)+1)
	if n > 0 {
		if _, err := crand.Read(result[:n]); err != nil {
			for i := 0; i < n; i++ {
				result[i] = byte(rand.Uint32())
			}
		}
	}
	copy(result[n:], payload)
	result[len(result)-1] = byte(n)

	xorKey(result, key)
	return result
}

// Decode reverses Encode. When the trailing marker is not smaller than the
// frame length the XORed buffer is returned whole.
func Decode(frame, key []byte) []byte {
	plain := make([]byte, len(frame))
	copy(plain, frame)
	xorKey(plain, key)

	if len(plain) == 0 {
		return plain
	}

	n := int(plain[len(plain)-1])
	if n >= len(plain) {
		// TODO: agree with the server side whether this should become an error.
		return plain
	}

	return plain[n : len(plain)-1]
}

func xorKey(buf, key []byte) {
	if len(key) == 0 {
		return
	}

	keyLen := len(key)
	for i := range buf {
		buf[i] ^= key[i%keyLen]
	}
}
