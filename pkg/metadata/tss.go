package metadata

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

// Encoding types of a FactorEnc.
const (
	EncodingDirect       = "direct"
	EncodingHierarchical = "hierarchical"
)

// Encoding is how a TSS share is encrypted to a factor key.
// It is either DirectEncoding or HierarchicalEncoding.
type Encoding interface {
	Type() string
	isEncoding()
}

// DirectEncoding is the TSS share encrypted once to the factor key.
type DirectEncoding struct {
	UserEnc *ecies.EncryptedMessage
}

func (DirectEncoding) Type() string { return EncodingDirect }
func (DirectEncoding) isEncoding()  {}

// HierarchicalEncoding splits the TSS share between a user part and the server parts
// returned by RSS nodes. ServerEncs has one slot per node; nodes that did not take part
// leave a nil slot.
type HierarchicalEncoding struct {
	UserEnc    *ecies.EncryptedMessage
	ServerEncs []*ecies.EncryptedMessage
}

func (HierarchicalEncoding) Type() string { return EncodingHierarchical }
func (HierarchicalEncoding) isEncoding()  {}

// FactorEnc is the TSS share of one factor key, at TSSIndex.
type FactorEnc struct {
	TSSIndex int
	Encoding Encoding
}

type factorEncJSON struct {
	TSSIndex   int                       `json:"tssIndex"`
	Type       string                    `json:"type"`
	UserEnc    *ecies.EncryptedMessage   `json:"userEnc"`
	ServerEncs []*ecies.EncryptedMessage `json:"serverEncs"`
}

func (f *FactorEnc) MarshalJSON() ([]byte, error) {
	raw := factorEncJSON{TSSIndex: f.TSSIndex, ServerEncs: []*ecies.EncryptedMessage{}}
	switch e := f.Encoding.(type) {
	case DirectEncoding:
		raw.Type, raw.UserEnc = EncodingDirect, e.UserEnc
	case HierarchicalEncoding:
		raw.Type, raw.UserEnc = EncodingHierarchical, e.UserEnc
		if e.ServerEncs != nil {
			raw.ServerEncs = e.ServerEncs
		}
	default:
		return nil, fmt.Errorf("metadata.FactorEnc: unknown encoding %T", f.Encoding)
	}
	return json.Marshal(raw)
}

func (f *FactorEnc) UnmarshalJSON(data []byte) error {
	var raw factorEncJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("metadata.FactorEnc: %w", err)
	}
	if raw.UserEnc == nil {
		return errors.New("metadata.FactorEnc: missing userEnc")
	}
	f.TSSIndex = raw.TSSIndex
	switch raw.Type {
	case EncodingDirect:
		f.Encoding = DirectEncoding{UserEnc: raw.UserEnc}
	case EncodingHierarchical:
		f.Encoding = HierarchicalEncoding{UserEnc: raw.UserEnc, ServerEncs: raw.ServerEncs}
	default:
		return fmt.Errorf("metadata.FactorEnc: unknown type %q", raw.Type)
	}
	return nil
}

func (f *FactorEnc) Clone() *FactorEnc {
	out := &FactorEnc{TSSIndex: f.TSSIndex}
	switch e := f.Encoding.(type) {
	case DirectEncoding:
		out.Encoding = DirectEncoding{UserEnc: e.UserEnc.Clone()}
	case HierarchicalEncoding:
		servers := make([]*ecies.EncryptedMessage, len(e.ServerEncs))
		for i, s := range e.ServerEncs {
			servers[i] = s.Clone()
		}
		out.Encoding = HierarchicalEncoding{UserEnc: e.UserEnc.Clone(), ServerEncs: servers}
	}
	return out
}

// FactorPubID is the key of a factor public key in FactorEncs, its zero padded hex x-coordinate.
func FactorPubID(factorPub curve.Point) string {
	return hex.EncodeToString(factorPub.XBytes())
}

// TSSData is the state of the TSS key under one tag.
type TSSData struct {
	// Nonce counts refreshes of the TSS key.
	Nonce uint64
	// PolyCommits are the commitments A0, A1 to the degree 1 TSS polynomial.
	PolyCommits []curve.Point
	FactorPubs  []curve.Point
	FactorEncs  map[string]*FactorEnc
}

// TSSUpdate carries the fields AddTSSData overwrites. Nil fields keep their previous value.
type TSSUpdate struct {
	Nonce       *uint64
	PolyCommits []curve.Point
	FactorPubs  []curve.Point
	FactorEncs  map[string]*FactorEnc
}

// Validate checks that every factor public key has exactly one encryption, and that
// the commitments describe a degree 1 polynomial.
func (d *TSSData) Validate() error {
	if len(d.PolyCommits) != 0 && len(d.PolyCommits) != 2 {
		return fmt.Errorf("metadata.TSSData: %d commitments, expected 2", len(d.PolyCommits))
	}
	seen := make(map[string]bool, len(d.FactorPubs))
	for _, pub := range d.FactorPubs {
		id := FactorPubID(pub)
		if seen[id] {
			return fmt.Errorf("metadata.TSSData: duplicate factor pub %s", id)
		}
		seen[id] = true
		enc, ok := d.FactorEncs[id]
		if !ok || enc == nil {
			return fmt.Errorf("metadata.TSSData: no encryption for factor pub %s", id)
		}
		if enc.TSSIndex < 1 {
			return fmt.Errorf("metadata.TSSData: invalid tss index %d", enc.TSSIndex)
		}
	}
	if len(d.FactorEncs) != len(seen) {
		return errors.New("metadata.TSSData: encryptions without factor pub")
	}
	return nil
}

func (d *TSSData) Clone() *TSSData {
	out := &TSSData{
		Nonce:       d.Nonce,
		PolyCommits: clonePoints(d.PolyCommits),
		FactorPubs:  clonePoints(d.FactorPubs),
	}
	if d.FactorEncs != nil {
		out.FactorEncs = make(map[string]*FactorEnc, len(d.FactorEncs))
		for k, v := range d.FactorEncs {
			out.FactorEncs[k] = v.Clone()
		}
	}
	return out
}

func clonePoints(points []curve.Point) []curve.Point {
	if points == nil {
		return nil
	}
	out := make([]curve.Point, len(points))
	for i, p := range points {
		out[i] = group.NewPoint().Set(p)
	}
	return out
}

type tssDataJSON struct {
	TSSNonce       uint64                     `json:"tssNonce"`
	TSSPolyCommits []*curve.MarshallablePoint `json:"tssPolyCommits"`
	FactorPubs     []*curve.MarshallablePoint `json:"factorPubs"`
	FactorEncs     map[string]*FactorEnc      `json:"factorEncs"`
}

func marshallablePoints(points []curve.Point) []*curve.MarshallablePoint {
	out := make([]*curve.MarshallablePoint, len(points))
	for i, p := range points {
		out[i] = curve.NewMarshallablePoint(p)
	}
	return out
}

func unmarshallablePoints(points []*curve.MarshallablePoint) ([]curve.Point, error) {
	out := make([]curve.Point, len(points))
	for i, p := range points {
		if p == nil {
			return nil, errors.New("null point")
		}
		out[i] = p.Point
	}
	return out, nil
}

func (d *TSSData) MarshalJSON() ([]byte, error) {
	encs := d.FactorEncs
	if encs == nil {
		encs = map[string]*FactorEnc{}
	}
	return json.Marshal(tssDataJSON{
		TSSNonce:       d.Nonce,
		TSSPolyCommits: marshallablePoints(d.PolyCommits),
		FactorPubs:     marshallablePoints(d.FactorPubs),
		FactorEncs:     encs,
	})
}

func (d *TSSData) UnmarshalJSON(data []byte) error {
	var raw tssDataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("metadata.TSSData: %w", err)
	}
	commits, err := unmarshallablePoints(raw.TSSPolyCommits)
	if err != nil {
		return fmt.Errorf("metadata.TSSData: tssPolyCommits: %w", err)
	}
	pubs, err := unmarshallablePoints(raw.FactorPubs)
	if err != nil {
		return fmt.Errorf("metadata.TSSData: factorPubs: %w", err)
	}
	d.Nonce, d.PolyCommits, d.FactorPubs, d.FactorEncs = raw.TSSNonce, commits, pubs, raw.FactorEncs
	if d.FactorEncs == nil {
		d.FactorEncs = map[string]*FactorEnc{}
	}
	return d.Validate()
}
