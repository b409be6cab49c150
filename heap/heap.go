// Package heap implements zScript's managed heap: a bump-allocated byte
// region holding boxed strings and objects, with a copying/compacting
// collector triggered on exhaustion. See spec.md §4.2.
package heap

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/AI-nsley69/zscript/value"
)

const (
	// InitialSize is the heap's starting capacity (spec.md §4.2).
	InitialSize uint64 = 1 << 20 // 1 MiB

	// MaxSize bounds how large the heap may grow across collections.
	MaxSize uint64 = 2 << 30 // 2 GiB

	// headerSize is sizeof(BoxedHeader): one 64-bit word.
	headerSize = 8

	// headerAlign is the alignment every allocation's header must start at.
	headerAlign = 8

	// slotSize is the on-heap encoding width of one value.Value: a one-byte
	// kind tag followed by 8 bytes of payload bits.
	slotSize = 9
)

// Kind is the 2-bit tag stored in a BoxedHeader's top bits.
type Kind byte

const (
	KindString Kind = iota
	KindObject
	// KindArray (ext) is the heap representation of SPEC_FULL.md §2's
	// arrays: same field-slot layout as KindObject, but the header payload
	// is the element count directly rather than a Schema index, since
	// arrays have no shared immutable shape to look the count up in.
	KindArray
	KindMoved
)

const (
	kindShift   = 62
	payloadMask = (uint64(1) << 62) - 1
)

// Header is the decoded form of a 64-bit BoxedHeader word.
type Header struct {
	Kind    Kind
	Payload uint64
}

func encodeHeader(h Header) uint64 {
	return uint64(h.Kind)<<kindShift | (h.Payload & payloadMask)
}

func decodeHeader(word uint64) Header {
	return Header{
		Kind:    Kind(word >> kindShift),
		Payload: word & payloadMask,
	}
}

// SchemaTable gives the heap just enough information about object schemas
// to trace an Object's fields during collection, without the heap package
// depending on package bytecode (which itself depends on value and heap).
type SchemaTable interface {
	FieldCount(schemaIndex uint32) int
}

// RootSet is implemented by the VM. Roots walks every value.Value slot that
// might hold a Boxed reference — the register bank, the register stack, the
// parameter stack, the globals, and the constants table — handing each one to
// visit so the collector can rewrite forwarded pointers in place.
type RootSet interface {
	Roots(visit func(v *value.Value))
}

// ErrMaxHeapSizeReached is returned when an allocation cannot be satisfied
// even after growing the heap to MaxSize.
var ErrMaxHeapSizeReached = errors.New("heap: max heap size reached")

// Stats summarizes heap health for diagnostics: capacity, bytes in use,
// collection count, and total bytes copied by collections.
type Stats struct {
	Capacity    uint64
	Used        uint64
	Collections int
	BytesCopied uint64
}

// Heap is a contiguous, bump-allocated byte region with a copying collector.
type Heap struct {
	bytes  []byte
	cursor uint64
	maxSize uint64

	schemas SchemaTable

	collections int
	bytesCopied uint64
}

// New creates a heap of InitialSize, bounded by MaxSize. schemas may be nil
// until the first object allocation — set it via SetSchemaTable once the
// compiler or VM knows the module's schema registry.
func New(schemas SchemaTable) *Heap {
	return NewWithLimits(schemas, InitialSize, MaxSize)
}

// NewWithLimits creates a heap with a caller-chosen initial capacity and
// growth ceiling, for RunConfig/CompileConfig (SPEC_FULL.md's configuration
// layer) to override the spec's defaults.
func NewWithLimits(schemas SchemaTable, initialSize, maxSize uint64) *Heap {
	return &Heap{
		bytes:   make([]byte, initialSize),
		maxSize: maxSize,
		schemas: schemas,
	}
}

// SetSchemaTable installs (or replaces) the schema table used to trace
// Object payloads during collection.
func (h *Heap) SetSchemaTable(schemas SchemaTable) { h.schemas = schemas }

func (h *Heap) Stats() Stats {
	return Stats{
		Capacity:    uint64(len(h.bytes)),
		Used:        h.cursor,
		Collections: h.collections,
		BytesCopied: h.bytesCopied,
	}
}

func alignUp(n, align uint64) uint64 {
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

// reserve ensures size bytes are available starting at an aligned cursor,
// running the collector (and growing) as many times as needed. It returns
// the aligned offset at which the caller should write.
func (h *Heap) reserve(size uint64, roots RootSet) (uint64, error) {
	for {
		start := alignUp(h.cursor, headerAlign)
		if start+size <= uint64(len(h.bytes)) {
			return start, nil
		}
		if uint64(len(h.bytes)) >= h.maxSize {
			return 0, ErrMaxHeapSizeReached
		}
		if err := h.collect(roots); err != nil {
			return 0, err
		}
	}
}

// AllocString copies s onto the heap and returns a Boxed value.Value
// referencing it.
func (h *Heap) AllocString(s string, roots RootSet) (value.Value, error) {
	payload := []byte(s)
	size := headerSize + uint64(len(payload))
	start, err := h.reserve(size, roots)
	if err != nil {
		return value.Value{}, err
	}
	binary.LittleEndian.PutUint64(h.bytes[start:], encodeHeader(Header{Kind: KindString, Payload: uint64(len(payload))}))
	copy(h.bytes[start+headerSize:], payload)
	h.cursor = start + size
	return value.BoxedVal(start), nil
}

// AllocObject reserves space for an instance of the schema at schemaIndex,
// zero-initializing its fields to IntVal(0), and returns a Boxed value.
func (h *Heap) AllocObject(schemaIndex uint32, roots RootSet) (value.Value, error) {
	if h.schemas == nil {
		return value.Value{}, errors.New("heap: AllocObject called with no schema table installed")
	}
	fieldCount := h.schemas.FieldCount(schemaIndex)
	size := headerSize + uint64(fieldCount)*slotSize
	start, err := h.reserve(size, roots)
	if err != nil {
		return value.Value{}, err
	}
	binary.LittleEndian.PutUint64(h.bytes[start:], encodeHeader(Header{Kind: KindObject, Payload: uint64(schemaIndex)}))
	base := start + headerSize
	for i := 0; i < fieldCount; i++ {
		writeSlot(h.bytes, base+uint64(i)*slotSize, value.IntVal(0))
	}
	h.cursor = start + size
	return value.BoxedVal(start), nil
}

// AllocArray reserves space for an array of n elements, zero-initializing
// them to IntVal(0), and returns a Boxed value. Arrays have no Schema
// (SPEC_FULL.md §2) — the element count lives directly in the header
// payload instead of being looked up through a SchemaTable.
func (h *Heap) AllocArray(n int, roots RootSet) (value.Value, error) {
	size := headerSize + uint64(n)*slotSize
	start, err := h.reserve(size, roots)
	if err != nil {
		return value.Value{}, err
	}
	binary.LittleEndian.PutUint64(h.bytes[start:], encodeHeader(Header{Kind: KindArray, Payload: uint64(n)}))
	base := start + headerSize
	for i := 0; i < n; i++ {
		writeSlot(h.bytes, base+uint64(i)*slotSize, value.IntVal(0))
	}
	h.cursor = start + size
	return value.BoxedVal(start), nil
}

// headerAt decodes the BoxedHeader at offset.
func (h *Heap) headerAt(offset uint64) Header {
	return decodeHeader(binary.LittleEndian.Uint64(h.bytes[offset:]))
}

// Kind reports what kind of boxed payload lives at offset. Exported for
// callers (natives, the VM) that need to branch on a Boxed
// value's payload kind without already knowing it.
func (h *Heap) Kind(offset uint64) Kind {
	return h.headerAt(offset).Kind
}

// FieldCountAt returns the slot count of the object or array header at
// offset.
func (h *Heap) FieldCountAt(offset uint64) int {
	hdr := h.headerAt(offset)
	switch hdr.Kind {
	case KindArray:
		return int(hdr.Payload)
	case KindObject:
		if h.schemas == nil {
			return 0
		}
		return h.schemas.FieldCount(uint32(hdr.Payload))
	default:
		return 0
	}
}

// StringAt returns the UTF-8 contents of the string header at offset.
// Panics (an implementation bug, per spec.md §4.2) if offset does not
// reference a String header.
func (h *Heap) StringAt(offset uint64) string {
	hdr := h.headerAt(offset)
	if hdr.Kind != KindString {
		panic("heap: StringAt on non-string header")
	}
	n := hdr.Payload
	return string(h.bytes[offset+headerSize : offset+headerSize+n])
}

// ObjectSchema returns the schema index of the object header at offset.
func (h *Heap) ObjectSchema(offset uint64) uint32 {
	hdr := h.headerAt(offset)
	if hdr.Kind != KindObject {
		panic("heap: ObjectSchema on non-object header")
	}
	return uint32(hdr.Payload)
}

// GetField reads field i of the object or array at offset.
func (h *Heap) GetField(offset uint64, i int) value.Value {
	hdr := h.headerAt(offset)
	if hdr.Kind != KindObject && hdr.Kind != KindArray {
		panic("heap: GetField on a header with no fields")
	}
	base := offset + headerSize + uint64(i)*slotSize
	return readSlot(h.bytes, base)
}

// SetField writes field i of the object or array at offset.
func (h *Heap) SetField(offset uint64, i int, v value.Value) {
	hdr := h.headerAt(offset)
	if hdr.Kind != KindObject && hdr.Kind != KindArray {
		panic("heap: SetField on a header with no fields")
	}
	base := offset + headerSize + uint64(i)*slotSize
	writeSlot(h.bytes, base, v)
}

func writeSlot(b []byte, off uint64, v value.Value) {
	b[off] = byte(v.Kind)
	var bits uint64
	switch v.Kind {
	case value.Int:
		bits = uint64(v.Int())
	case value.Float:
		bits = math.Float64bits(v.Float())
	case value.Bool:
		if v.Bool() {
			bits = 1
		}
	case value.Boxed:
		bits = v.Offset()
	}
	binary.LittleEndian.PutUint64(b[off+1:], bits)
}

func readSlot(b []byte, off uint64) value.Value {
	kind := value.Kind(b[off])
	bits := binary.LittleEndian.Uint64(b[off+1:])
	switch kind {
	case value.Int:
		return value.IntVal(int64(bits))
	case value.Float:
		return value.FloatVal(math.Float64frombits(bits))
	case value.Bool:
		return value.BoolVal(bits != 0)
	case value.Boxed:
		return value.BoxedVal(bits)
	default:
		return value.IntVal(0)
	}
}

// collect runs one full copying/compacting cycle: allocate a new region at
// double capacity (bounded by MaxSize), trace every root, and forward every
// reachable header into the new region. See spec.md §4.2 for the algorithm;
// installing the Moved tag before recursing into an Object's fields is what
// makes cyclic object graphs terminate (spec.md §9).
func (h *Heap) collect(roots RootSet) error {
	oldCap := uint64(len(h.bytes))
	newCap := oldCap * 2
	if newCap > h.maxSize {
		newCap = h.maxSize
	}
	if newCap <= oldCap {
		return ErrMaxHeapSizeReached
	}

	newHeap := &Heap{bytes: make([]byte, newCap), maxSize: h.maxSize, schemas: h.schemas}

	var copied uint64
	roots.Roots(func(v *value.Value) {
		if !v.IsBoxed() {
			return
		}
		newOffset, n := h.copyInto(newHeap, v.Offset())
		copied += n
		*v = value.BoxedVal(newOffset)
	})

	log.Info().
		Uint64("old_capacity", oldCap).
		Uint64("new_capacity", newCap).
		Uint64("bytes_copied", copied).
		Msg("heap: collection complete")

	h.bytes = newHeap.bytes
	h.cursor = newHeap.cursor
	h.collections++
	h.bytesCopied += copied
	return nil
}

// copyInto copies the header (and, recursively, any boxed fields) rooted at
// offset in h into dst, returning the new offset and bytes copied. If the
// source header has already been forwarded, it returns the existing
// forwarding target without copying again — this is what makes shared and
// cyclic references safe.
func (h *Heap) copyInto(dst *Heap, offset uint64) (uint64, uint64) {
	hdr := h.headerAt(offset)
	if hdr.Kind == KindMoved {
		return hdr.Payload, 0
	}

	switch hdr.Kind {
	case KindString:
		n := hdr.Payload
		size := headerSize + n
		start := alignUp(dst.cursor, headerAlign)
		dst.bytes = growIfNeeded(dst.bytes, start+size)
		copy(dst.bytes[start:], h.bytes[offset:offset+size])
		dst.cursor = start + size

		binary.LittleEndian.PutUint64(h.bytes[offset:], encodeHeader(Header{Kind: KindMoved, Payload: start}))
		return start, size

	case KindObject, KindArray:
		fieldCount := 0
		if hdr.Kind == KindArray {
			fieldCount = int(hdr.Payload)
		} else if h.schemas != nil {
			fieldCount = h.schemas.FieldCount(uint32(hdr.Payload))
		}
		size := headerSize + uint64(fieldCount)*slotSize
		start := alignUp(dst.cursor, headerAlign)
		dst.bytes = growIfNeeded(dst.bytes, start+size)
		binary.LittleEndian.PutUint64(dst.bytes[start:], encodeHeader(Header{Kind: hdr.Kind, Payload: hdr.Payload}))
		dst.cursor = start + size

		// Install the forwarding marker before recursing into fields so
		// cycles through this object short-circuit on the second visit.
		binary.LittleEndian.PutUint64(h.bytes[offset:], encodeHeader(Header{Kind: KindMoved, Payload: start}))

		var totalCopied uint64 = size
		base := offset + headerSize
		newBase := start + headerSize
		for i := 0; i < fieldCount; i++ {
			fv := readSlot(h.bytes, base+uint64(i)*slotSize)
			if fv.IsBoxed() {
				newOffset, n := h.copyInto(dst, fv.Offset())
				fv = value.BoxedVal(newOffset)
				totalCopied += n
			}
			writeSlot(dst.bytes, newBase+uint64(i)*slotSize, fv)
		}
		return start, totalCopied

	default:
		panic("heap: copyInto encountered a header of unknown kind")
	}
}

// growIfNeeded defends copyInto against the rare case where recursive field
// tracing needs more than the doubled capacity computed up front (a very
// deeply nested or very wide object graph). It is not expected to run in
// practice since newCap already doubles the whole old heap's size.
func growIfNeeded(b []byte, need uint64) []byte {
	if uint64(len(b)) >= need {
		return b
	}
	grown := make([]byte, need*2)
	copy(grown, b)
	return grown
}

// Format implements spec.md §4.1's asString conversion for the `print`
// native and the CLI's result output: Int/Float/Bool render inline, a
// Boxed String reads through the heap, and a Boxed Object renders as its
// schema index and offset (an array, see SPEC_FULL.md §2, as its length
// and offset) since the spec gives objects no literal string form.
func (h *Heap) Format(v value.Value) string {
	switch v.Kind {
	case value.Int:
		return strconv.FormatInt(v.Int(), 10)
	case value.Float:
		return strconv.FormatFloat(v.Float(), 'g', -1, 64)
	case value.Bool:
		return strconv.FormatBool(v.Bool())
	case value.Boxed:
		hdr := h.headerAt(v.Offset())
		switch hdr.Kind {
		case KindString:
			return h.StringAt(v.Offset())
		case KindObject:
			return fmt.Sprintf("<object schema=%d @%d>", hdr.Payload, v.Offset())
		case KindArray:
			return fmt.Sprintf("<array len=%d @%d>", hdr.Payload, v.Offset())
		default:
			return fmt.Sprintf("<moved @%d>", v.Offset())
		}
	default:
		return "<?>"
	}
}
