// Package snapshot archives a populated type lookup cache so a later run
// with the same narrow encoding can start with it filled in. Archives are
// canonical CBOR, so equal caches produce identical bytes.
package snapshot

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/maggie-oops/vm"
)

// FormatVersion is bumped whenever the archive or entry layout changes.
const FormatVersion = 1

var (
	// ErrEncodingMismatch is returned when an archive was taken under a
	// different narrow encoding than the cache it is restored into.
	ErrEncodingMismatch = errors.New("snapshot: narrow encoding mismatch")

	// ErrDigestMismatch is returned when the entry digest does not match
	// the entries.
	ErrDigestMismatch = errors.New("snapshot: entry digest mismatch")
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("snapshot: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Encoding records the parameters of the narrow encoding the cache is
// keyed by.
type Encoding struct {
	Base  uint64 `cbor:"1,keyasint"`
	Shift uint8  `cbor:"2,keyasint"`
	Bits  uint8  `cbor:"3,keyasint"`
}

// Entry is one registered slot.
type Entry struct {
	Ref   uint32 `cbor:"1,keyasint"`
	Value uint32 `cbor:"2,keyasint"`
}

// Archive is the serialized form of a lookup cache.
type Archive struct {
	Version  uint8    `cbor:"1,keyasint"`
	Encoding Encoding `cbor:"2,keyasint"`
	Entries  []Entry  `cbor:"3,keyasint"`
	Digest   [32]byte `cbor:"4,keyasint"`
}

func encodingOf(enc *vm.NarrowEncoding) Encoding {
	return Encoding{
		Base:  uint64(enc.Base()),
		Shift: uint8(enc.Shift()),
		Bits:  uint8(enc.Bits()),
	}
}

func digest(entries []Entry) ([32]byte, error) {
	data, err := cborEncMode.Marshal(entries)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// Capture archives every registered slot of lut in ascending order.
func Capture(lut *vm.TypeLUT) (*Archive, error) {
	a := &Archive{
		Version:  FormatVersion,
		Encoding: encodingOf(lut.Encoding()),
	}
	lut.ForEach(func(r vm.NarrowRef, e vm.TypeLUTEntry) bool {
		a.Entries = append(a.Entries, Entry{Ref: uint32(r), Value: uint32(e)})
		return true
	})
	d, err := digest(a.Entries)
	if err != nil {
		return nil, fmt.Errorf("snapshot: digest: %w", err)
	}
	a.Digest = d
	return a, nil
}

// Verify checks the archive's version and digest.
func (a *Archive) Verify() error {
	if a.Version != FormatVersion {
		return fmt.Errorf("snapshot: unsupported version %d (want %d)", a.Version, FormatVersion)
	}
	d, err := digest(a.Entries)
	if err != nil {
		return fmt.Errorf("snapshot: digest: %w", err)
	}
	if d != a.Digest {
		return ErrDigestMismatch
	}
	return nil
}

// Restore installs the archived entries into lut. The archive must have
// been taken under the same narrow encoding. A slot that already holds a
// different entry, or an archived value that is not a valid entry, is an
// error; nothing is installed in that case.
func Restore(a *Archive, lut *vm.TypeLUT) (int, error) {
	if err := a.Verify(); err != nil {
		return 0, err
	}
	if want := encodingOf(lut.Encoding()); a.Encoding != want {
		return 0, fmt.Errorf("%w: archive %+v, cache %+v", ErrEncodingMismatch, a.Encoding, want)
	}
	for _, ent := range a.Entries {
		r := vm.NarrowRef(ent.Ref)
		if err := lut.Encoding().CheckNarrowRef(r); err != nil {
			return 0, fmt.Errorf("snapshot: entry %d: %w", ent.Ref, err)
		}
		if e := vm.TypeLUTEntry(ent.Value); !e.IsValid() || !e.Kind().Valid() {
			return 0, fmt.Errorf("snapshot: entry %d: %#x is not a valid entry", ent.Ref, ent.Value)
		}
		if old := lut.At(r); old.IsValid() && old != vm.TypeLUTEntry(ent.Value) {
			return 0, fmt.Errorf("snapshot: slot %d holds %s, archive has %s",
				ent.Ref, old, vm.TypeLUTEntry(ent.Value))
		}
	}
	for _, ent := range a.Entries {
		if err := lut.Install(vm.NarrowRef(ent.Ref), vm.TypeLUTEntry(ent.Value)); err != nil {
			return 0, fmt.Errorf("snapshot: %w", err)
		}
	}
	return len(a.Entries), nil
}

// Marshal serializes an Archive to CBOR bytes.
func Marshal(a *Archive) ([]byte, error) {
	return cborEncMode.Marshal(a)
}

// Unmarshal deserializes an Archive from CBOR bytes.
func Unmarshal(data []byte) (*Archive, error) {
	var a Archive
	if err := cbor.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("snapshot: unmarshal archive: %w", err)
	}
	return &a, nil
}

// WriteFile captures lut and writes the archive to path.
func WriteFile(path string, lut *vm.TypeLUT) (*Archive, error) {
	a, err := Capture(lut)
	if err != nil {
		return nil, err
	}
	data, err := Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("snapshot: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	return a, nil
}

// ReadFile reads and verifies the archive at path.
func ReadFile(path string) (*Archive, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("snapshot: %w", err)
	}
	a, err := Unmarshal(data)
	if err != nil {
		return nil, err
	}
	if err := a.Verify(); err != nil {
		return nil, err
	}
	return a, nil
}

// Equal reports whether two archives hold the same bytes.
func Equal(a, b *Archive) (bool, error) {
	da, err := Marshal(a)
	if err != nil {
		return false, err
	}
	db, err := Marshal(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(da, db), nil
}
