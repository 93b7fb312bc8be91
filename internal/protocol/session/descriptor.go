package session

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/realmctl/internal/protocol/schema"
	"github.com/danmuck/realmctl/internal/protocol/tlv"
)

type Vec3 struct {
	X, Y, Z float64
}

// Descriptor is the replicated generation descriptor of one realm.
type Descriptor struct {
	Key          string
	Category     string
	ID           uint64
	Seed         int64
	CreatedAt    time.Time
	Generator    string
	BiomeScale   float64
	SeaLevel     int64
	Spawn        Vec3
	NoiseOffsetX float64
	NoiseOffsetZ float64
	Attributes   map[string]string
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Key) == "" {
		return fmt.Errorf("descriptor missing key")
	}
	if strings.TrimSpace(d.Category) == "" {
		return fmt.Errorf("descriptor %s missing category", d.Key)
	}
	if strings.TrimSpace(d.Generator) == "" {
		return fmt.Errorf("descriptor %s missing generator", d.Key)
	}
	for k := range d.Attributes {
		if k == "" || strings.Contains(k, "=") {
			return fmt.Errorf("descriptor %s has invalid attribute name %q", d.Key, k)
		}
	}
	return nil
}

// EncodeDescriptor renders d as a self-describing TLV record. Attributes are
// emitted in name order so equal descriptors encode to equal bytes.
func EncodeDescriptor(d Descriptor) ([]byte, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldKey, d.Key),
		tlv.String(schema.FieldCategory, d.Category),
		tlv.Varint(schema.FieldRealmID, d.ID),
		tlv.I64(schema.FieldSeed, d.Seed),
		tlv.U64(schema.FieldCreatedMS, uint64(d.CreatedAt.UnixMilli())),
		tlv.String(schema.FieldGenerator, d.Generator),
		tlv.F64(schema.FieldBiomeScale, d.BiomeScale),
		tlv.I64(schema.FieldSeaLevel, d.SeaLevel),
		tlv.F64(schema.FieldSpawnX, d.Spawn.X),
		tlv.F64(schema.FieldSpawnY, d.Spawn.Y),
		tlv.F64(schema.FieldSpawnZ, d.Spawn.Z),
		tlv.F64(schema.FieldNoiseOffsetX, d.NoiseOffsetX),
		tlv.F64(schema.FieldNoiseOffsetZ, d.NoiseOffsetZ),
	}
	names := make([]string, 0, len(d.Attributes))
	for k := range d.Attributes {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, k := range names {
		fields = append(fields, tlv.String(schema.FieldAttribute, k+"="+d.Attributes[k]))
	}
	return tlv.EncodeFields(fields), nil
}

func DecodeDescriptor(payload []byte) (Descriptor, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return Descriptor{}, err
	}
	if err := schema.Validate(schema.RecordDescriptor, fields); err != nil {
		return Descriptor{}, err
	}
	d := Descriptor{
		Key:       getRequiredString(fields, schema.FieldKey),
		Category:  getRequiredString(fields, schema.FieldCategory),
		Generator: getRequiredString(fields, schema.FieldGenerator),
	}
	if d.ID, err = getVarint(fields, schema.FieldRealmID); err != nil {
		return Descriptor{}, err
	}
	if d.Seed, err = getI64(fields, schema.FieldSeed); err != nil {
		return Descriptor{}, err
	}
	createdMS, err := getU64(fields, schema.FieldCreatedMS)
	if err != nil {
		return Descriptor{}, err
	}
	d.CreatedAt = time.UnixMilli(int64(createdMS))

	for _, opt := range []struct {
		id  uint16
		dst *float64
	}{
		{schema.FieldBiomeScale, &d.BiomeScale},
		{schema.FieldSpawnX, &d.Spawn.X},
		{schema.FieldSpawnY, &d.Spawn.Y},
		{schema.FieldSpawnZ, &d.Spawn.Z},
		{schema.FieldNoiseOffsetX, &d.NoiseOffsetX},
		{schema.FieldNoiseOffsetZ, &d.NoiseOffsetZ},
	} {
		if f, ok := tlv.GetField(fields, opt.id); ok {
			if err := tlv.MustType(f, tlv.TypeF64); err != nil {
				return Descriptor{}, err
			}
			if *opt.dst, err = tlv.F64FromBytes(f.Value); err != nil {
				return Descriptor{}, err
			}
		}
	}
	if _, ok := tlv.GetField(fields, schema.FieldSeaLevel); ok {
		if d.SeaLevel, err = getI64(fields, schema.FieldSeaLevel); err != nil {
			return Descriptor{}, err
		}
	}
	for _, f := range tlv.GetFields(fields, schema.FieldAttribute) {
		name, value, ok := strings.Cut(string(f.Value), "=")
		if !ok || name == "" {
			return Descriptor{}, fmt.Errorf("descriptor %s: malformed attribute %q", d.Key, f.Value)
		}
		if d.Attributes == nil {
			d.Attributes = make(map[string]string)
		}
		d.Attributes[name] = value
	}
	return d, nil
}

// BulkEntry is one keyed sub-payload of a bulk sync body.
type BulkEntry struct {
	Key     string
	Payload []byte
}

// EncodeBulk renders entries as a count followed by one nested record per
// entry.
func EncodeBulk(entries []BulkEntry) []byte {
	fields := make([]tlv.Field, 0, len(entries)+1)
	fields = append(fields, tlv.Varint(schema.FieldCount, uint64(len(entries))))
	for _, e := range entries {
		fields = append(fields, tlv.Bytes(schema.FieldEntry, encodeBulkEntry(e)))
	}
	return tlv.EncodeFields(fields)
}

func DecodeBulk(body []byte) ([]BulkEntry, error) {
	fields, err := tlv.DecodeFields(body)
	if err != nil {
		return nil, err
	}
	count, err := getVarint(fields, schema.FieldCount)
	if err != nil {
		return nil, err
	}
	raw := tlv.GetFields(fields, schema.FieldEntry)
	if uint64(len(raw)) != count {
		return nil, fmt.Errorf("bulk body declares %d entries, carries %d", count, len(raw))
	}
	out := make([]BulkEntry, 0, len(raw))
	for _, f := range raw {
		if err := tlv.MustType(f, tlv.TypeBytes); err != nil {
			return nil, err
		}
		inner, err := tlv.DecodeFields(f.Value)
		if err != nil {
			return nil, err
		}
		if err := schema.Validate(schema.RecordBulkEntry, inner); err != nil {
			return nil, err
		}
		out = append(out, BulkEntry{
			Key:     getRequiredString(inner, schema.FieldKey),
			Payload: getRequiredBytes(inner, schema.FieldPayload),
		})
	}
	return out, nil
}

// BulkEntrySize is the number of bytes e adds to a bulk body.
func BulkEntrySize(e BulkEntry) int {
	return tlv.EncodedLen(tlv.Field{ID: schema.FieldEntry, Type: tlv.TypeBytes, Value: make([]byte, bulkEntryInnerLen(e))})
}

// BulkOverhead is the size of a bulk body's count field for n entries.
func BulkOverhead(n int) int {
	return tlv.EncodedLen(tlv.Varint(schema.FieldCount, uint64(n)))
}

func encodeBulkEntry(e BulkEntry) []byte {
	return tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldKey, e.Key),
		tlv.Bytes(schema.FieldPayload, e.Payload),
	})
}

func bulkEntryInnerLen(e BulkEntry) int {
	return tlv.EncodedLen(tlv.String(schema.FieldKey, e.Key)) +
		tlv.EncodedLen(tlv.Field{ID: schema.FieldPayload, Type: tlv.TypeBytes, Value: e.Payload})
}
