// Package metadata is the versioned state of one threshold key: the history of sharing
// polynomials, public share commitments, per-module stores and the TSS state of every tag.
//
// Every encoding produced here is canonical (struct fields in a fixed order, map keys
// sorted), since writes are signed over the encoded bytes.
package metadata

import (
	"errors"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"
	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
)

// EncryptedSharesKey is the scoped store entry relaying reshared values to existing holders.
const EncryptedSharesKey = "encryptedShares"

var (
	ErrDuplicatePolynomial = errors.New("metadata: polynomial already registered")
	ErrNoPolynomial        = errors.New("metadata: no polynomial registered")
	ErrNoEncryptedShare    = errors.New("metadata: no encrypted share for this share")
)

// Metadata is the state of one threshold key.
type Metadata struct {
	PubKey curve.Point
	// PolyIDList is the epoch history, oldest first. IDs are unique.
	PolyIDList        []string
	PublicPolynomials map[string]*PublicPolynomial
	// PublicShares maps a PolynomialID to the commitments of its shares, keyed by index hex.
	PublicShares map[string]map[string]PublicShare
	// GeneralStore holds opaque per-module state.
	GeneralStore map[string]jsoniter.RawMessage
	// TkeyStore holds per-module items encrypted to PubKey.
	TkeyStore map[string]map[string]*ecies.EncryptedMessage
	// ScopedStore holds the reshare relay, keyed by the hex x-coordinate of the old share's public key.
	ScopedStore map[string]map[string]*ecies.EncryptedMessage
	// ShareDescriptions maps a share index hex to JSON descriptions of that share.
	ShareDescriptions map[string][]string
	// Nonce is the optimistic-concurrency token, increased by one on every successful write.
	Nonce uint64
	// TSS holds the TSS state per tag.
	TSS map[string]*TSSData
}

// New returns empty metadata for the key committed to by pubKey.
func New(pubKey curve.Point) *Metadata {
	return &Metadata{
		PubKey:            group.NewPoint().Set(pubKey),
		PolyIDList:        []string{},
		PublicPolynomials: map[string]*PublicPolynomial{},
		PublicShares:      map[string]map[string]PublicShare{},
		GeneralStore:      map[string]jsoniter.RawMessage{},
		TkeyStore:         map[string]map[string]*ecies.EncryptedMessage{},
		ScopedStore:       map[string]map[string]*ecies.EncryptedMessage{},
		ShareDescriptions: map[string][]string{},
		TSS:               map[string]*TSSData{},
	}
}

// AddPolynomial registers a new epoch: it appends the polynomial's ID to the history and
// records a public share for every supplied share.
func (m *Metadata) AddPolynomial(pub *PublicPolynomial, shares []PublicShare) error {
	id := pub.PolynomialID()
	if _, ok := m.PublicPolynomials[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePolynomial, id)
	}
	m.PolyIDList = append(m.PolyIDList, id)
	m.PublicPolynomials[id] = pub.Clone()
	for _, s := range shares {
		m.AddPublicShare(id, s)
	}
	return nil
}

// AddPublicShare records a public share under an existing epoch.
func (m *Metadata) AddPublicShare(polyID string, share PublicShare) {
	if m.PublicShares[polyID] == nil {
		m.PublicShares[polyID] = map[string]PublicShare{}
	}
	m.PublicShares[polyID][curve.ScalarToHex(share.ShareIndex)] = share.Clone()
}

// LatestPolynomialID returns the ID of the current epoch.
func (m *Metadata) LatestPolynomialID() (string, error) {
	if len(m.PolyIDList) == 0 {
		return "", ErrNoPolynomial
	}
	return m.PolyIDList[len(m.PolyIDList)-1], nil
}

// LatestPublicPolynomial returns the commitments of the current epoch.
func (m *Metadata) LatestPublicPolynomial() (*PublicPolynomial, error) {
	id, err := m.LatestPolynomialID()
	if err != nil {
		return nil, err
	}
	p, ok := m.PublicPolynomials[id]
	if !ok {
		return nil, fmt.Errorf("metadata: polynomial %s missing from store", id)
	}
	return p, nil
}

// ShareIndexesForPolynomial returns the share indexes of an epoch, sorted by hex.
func (m *Metadata) ShareIndexesForPolynomial(polyID string) []string {
	indexes := make([]string, 0, len(m.PublicShares[polyID]))
	for idx := range m.PublicShares[polyID] {
		indexes = append(indexes, idx)
	}
	sort.Strings(indexes)
	return indexes
}

// PublicShare returns the commitment of the share at indexHex in an epoch.
func (m *Metadata) PublicShare(polyID, indexHex string) (PublicShare, bool) {
	s, ok := m.PublicShares[polyID][indexHex]
	return s, ok
}

// SetGeneralStore stores v, encoded as JSON, as the state of a module.
func (m *Metadata) SetGeneralStore(module string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("metadata.SetGeneralStore: %w", err)
	}
	m.GeneralStore[module] = data
	return nil
}

// GetGeneralStore decodes the state of a module into v, and reports whether there was any.
func (m *Metadata) GetGeneralStore(module string, v interface{}) (bool, error) {
	data, ok := m.GeneralStore[module]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, fmt.Errorf("metadata.GetGeneralStore: %w", err)
	}
	return true, nil
}

// DeleteGeneralStore removes the state of a module.
func (m *Metadata) DeleteGeneralStore(module string) {
	delete(m.GeneralStore, module)
}

// SetTkeyStoreItem stores an item of a module, already encrypted to PubKey.
func (m *Metadata) SetTkeyStoreItem(module, id string, item *ecies.EncryptedMessage) {
	if m.TkeyStore[module] == nil {
		m.TkeyStore[module] = map[string]*ecies.EncryptedMessage{}
	}
	m.TkeyStore[module][id] = item.Clone()
}

// TkeyStoreItem returns the encrypted item of a module.
func (m *Metadata) TkeyStoreItem(module, id string) (*ecies.EncryptedMessage, bool) {
	item, ok := m.TkeyStore[module][id]
	return item, ok
}

// SetScopedStore replaces the reshare relay, the encrypted shares of the next epoch
// keyed by the holder's old share. A nil relay removes it.
func (m *Metadata) SetScopedStore(relay map[string]*ecies.EncryptedMessage) {
	if relay == nil {
		delete(m.ScopedStore, EncryptedSharesKey)
		return
	}
	m.ScopedStore[EncryptedSharesKey] = relay
}

// EncryptedShare finds and decrypts the newer share relayed to the holder of shareStore.
func (m *Metadata) EncryptedShare(shareStore *ShareStore) (*ShareStore, error) {
	relay := m.ScopedStore[EncryptedSharesKey]
	enc, ok := relay[KeyOf(shareStore.Share.PublicKey())]
	if !ok {
		return nil, ErrNoEncryptedShare
	}
	data, err := ecies.Decrypt(shareStore.Share.Share, enc)
	if err != nil {
		return nil, fmt.Errorf("metadata.EncryptedShare: %w", err)
	}
	return UnmarshalShareStore(data)
}

// AddShareDescription appends a JSON description to the share at indexHex.
func (m *Metadata) AddShareDescription(indexHex, description string) {
	m.ShareDescriptions[indexHex] = append(m.ShareDescriptions[indexHex], description)
}

// DeleteShareDescription removes one occurrence of description from the share at indexHex.
func (m *Metadata) DeleteShareDescription(indexHex, description string) bool {
	descriptions := m.ShareDescriptions[indexHex]
	for i, d := range descriptions {
		if d == description {
			descriptions = append(descriptions[:i:i], descriptions[i+1:]...)
			if len(descriptions) == 0 {
				delete(m.ShareDescriptions, indexHex)
			} else {
				m.ShareDescriptions[indexHex] = descriptions
			}
			return true
		}
	}
	return false
}

// TSSData returns the TSS state of a tag, or nil.
func (m *Metadata) TSSData(tag string) *TSSData {
	return m.TSS[tag]
}

// AddTSSData merges update into the TSS state of tag. Fields left nil keep their value.
// The merged state must Validate, otherwise the metadata is left unchanged.
func (m *Metadata) AddTSSData(tag string, update TSSUpdate) error {
	data := &TSSData{FactorEncs: map[string]*FactorEnc{}}
	if current, ok := m.TSS[tag]; ok {
		data = current.Clone()
	}
	if update.Nonce != nil {
		data.Nonce = *update.Nonce
	}
	if update.PolyCommits != nil {
		data.PolyCommits = clonePoints(update.PolyCommits)
	}
	if update.FactorPubs != nil {
		data.FactorPubs = clonePoints(update.FactorPubs)
	}
	if update.FactorEncs != nil {
		data.FactorEncs = make(map[string]*FactorEnc, len(update.FactorEncs))
		for k, v := range update.FactorEncs {
			data.FactorEncs[k] = v.Clone()
		}
	}
	if err := data.Validate(); err != nil {
		return fmt.Errorf("tag %q: %w", tag, err)
	}
	m.TSS[tag] = data
	return nil
}

// Clone returns a deep copy of m.
func (m *Metadata) Clone() *Metadata {
	out := New(m.PubKey)
	out.Nonce = m.Nonce
	out.PolyIDList = append(out.PolyIDList, m.PolyIDList...)
	for id, p := range m.PublicPolynomials {
		out.PublicPolynomials[id] = p.Clone()
	}
	for id, shares := range m.PublicShares {
		out.PublicShares[id] = make(map[string]PublicShare, len(shares))
		for idx, s := range shares {
			out.PublicShares[id][idx] = s.Clone()
		}
	}
	for k, v := range m.GeneralStore {
		out.GeneralStore[k] = append(jsoniter.RawMessage(nil), v...)
	}
	for module, items := range m.TkeyStore {
		out.TkeyStore[module] = cloneMessages(items)
	}
	for k, v := range m.ScopedStore {
		out.ScopedStore[k] = cloneMessages(v)
	}
	for k, v := range m.ShareDescriptions {
		out.ShareDescriptions[k] = append([]string(nil), v...)
	}
	for tag, data := range m.TSS {
		out.TSS[tag] = data.Clone()
	}
	return out
}

func cloneMessages(in map[string]*ecies.EncryptedMessage) map[string]*ecies.EncryptedMessage {
	out := make(map[string]*ecies.EncryptedMessage, len(in))
	for k, v := range in {
		out[k] = v.Clone()
	}
	return out
}

type metadataJSON struct {
	PubKey            *curve.MarshallablePoint                      `json:"pubKey"`
	PolyIDList        []string                                      `json:"polyIDList"`
	PublicPolynomials map[string]*PublicPolynomial                  `json:"publicPolynomials"`
	PublicShares      map[string]map[string]PublicShare             `json:"publicShares"`
	GeneralStore      map[string]jsoniter.RawMessage                `json:"generalStore"`
	TkeyStore         map[string]map[string]*ecies.EncryptedMessage `json:"tkeyStore"`
	ScopedStore       map[string]map[string]*ecies.EncryptedMessage `json:"scopedStore"`
	ShareDescriptions map[string][]string                           `json:"shareDescriptions"`
	Nonce             uint64                                        `json:"nonce"`
	TSS               map[string]*TSSData                           `json:"tss"`
}

// MarshalCanonical returns the canonical JSON encoding of m.
func (m *Metadata) MarshalCanonical() ([]byte, error) {
	return json.Marshal(m)
}

func (m *Metadata) MarshalJSON() ([]byte, error) {
	if m.PubKey == nil {
		return nil, errors.New("metadata.Metadata: missing pubKey")
	}
	return json.Marshal(metadataJSON{
		PubKey:            curve.NewMarshallablePoint(m.PubKey),
		PolyIDList:        m.PolyIDList,
		PublicPolynomials: m.PublicPolynomials,
		PublicShares:      m.PublicShares,
		GeneralStore:      m.GeneralStore,
		TkeyStore:         m.TkeyStore,
		ScopedStore:       m.ScopedStore,
		ShareDescriptions: m.ShareDescriptions,
		Nonce:             m.Nonce,
		TSS:               m.TSS,
	})
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw metadataJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("metadata.Metadata: %w", err)
	}
	if raw.PubKey == nil {
		return errors.New("metadata.Metadata: missing pubKey")
	}
	out := New(raw.PubKey.Point)
	out.Nonce = raw.Nonce
	if raw.PolyIDList != nil {
		out.PolyIDList = raw.PolyIDList
	}
	for id := range raw.PublicPolynomials {
		if raw.PublicPolynomials[id] == nil {
			return fmt.Errorf("metadata.Metadata: null polynomial %s", id)
		}
	}
	seen := make(map[string]bool, len(out.PolyIDList))
	for _, id := range out.PolyIDList {
		if seen[id] {
			return fmt.Errorf("metadata.Metadata: %w: %s", ErrDuplicatePolynomial, id)
		}
		seen[id] = true
	}
	for k, v := range raw.PublicPolynomials {
		out.PublicPolynomials[k] = v
	}
	for k, v := range raw.PublicShares {
		out.PublicShares[k] = v
	}
	for k, v := range raw.GeneralStore {
		out.GeneralStore[k] = v
	}
	for k, v := range raw.TkeyStore {
		out.TkeyStore[k] = v
	}
	for k, v := range raw.ScopedStore {
		out.ScopedStore[k] = v
	}
	for k, v := range raw.ShareDescriptions {
		out.ShareDescriptions[k] = v
	}
	for k, v := range raw.TSS {
		if v == nil {
			return fmt.Errorf("metadata.Metadata: null tss data for tag %s", k)
		}
		out.TSS[k] = v
	}
	*m = *out
	return nil
}

// Unmarshal parses metadata from its JSON encoding.
func Unmarshal(data []byte) (*Metadata, error) {
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
