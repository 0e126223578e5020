// Package securityquestions derives a share of a threshold key from the answer to a
// set of security questions.
//
// Only the difference between the share and the hash of the answer, the nonce, is
// stored. The nonce is re-derived on every reshare so that the same answer keeps
// unlocking the share at the same index.
package securityquestions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cronokirby/saferith"
	jsoniter "github.com/json-iterator/go"
	"github.com/tkey/tkey-sub000/pkg/hash"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/metadata"
	"github.com/tkey/tkey-sub000/pkg/tkey"
	"go.uber.org/zap"
)

// ModuleName is the key of the module's state in the general store.
const ModuleName = "securityQuestions"

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var group = curve.Secp256k1{}

var (
	ErrNotInitialized = errors.New("securityquestions: no security questions set")
	ErrExists         = errors.New("securityquestions: security questions already set")
	ErrWrongAnswer    = errors.New("securityquestions: incorrect answer")
)

// Store is the state of the module.
type Store struct {
	Nonce        curve.Scalar
	ShareIndex   curve.Scalar
	PublicShare  metadata.PublicShare
	PolynomialID string
	Questions    string
}

type storeJSON struct {
	Nonce        string               `json:"nonce"`
	ShareIndex   string               `json:"shareIndex"`
	PublicShare  metadata.PublicShare `json:"sqPublicShare"`
	PolynomialID string               `json:"polynomialID"`
	Questions    string               `json:"questions"`
}

func (s *Store) MarshalJSON() ([]byte, error) {
	return json.Marshal(storeJSON{
		Nonce:        curve.ScalarToHex(s.Nonce),
		ShareIndex:   curve.ScalarToHex(s.ShareIndex),
		PublicShare:  s.PublicShare,
		PolynomialID: s.PolynomialID,
		Questions:    s.Questions,
	})
}

func (s *Store) UnmarshalJSON(data []byte) error {
	var raw storeJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	nonce, err := curve.ScalarFromHex(group, raw.Nonce)
	if err != nil {
		return fmt.Errorf("securityquestions.Store: nonce: %w", err)
	}
	index, err := curve.ScalarFromHex(group, raw.ShareIndex)
	if err != nil {
		return fmt.Errorf("securityquestions.Store: shareIndex: %w", err)
	}
	*s = Store{
		Nonce:        nonce,
		ShareIndex:   index,
		PublicShare:  raw.PublicShare,
		PolynomialID: raw.PolynomialID,
		Questions:    raw.Questions,
	}
	return nil
}

// shareDescription is attached to the share the module manages.
type shareDescription struct {
	Module    string `json:"module"`
	Questions string `json:"questions"`
	DateAdded int64  `json:"dateAdded"`
}

// Module implements tkey.Module.
type Module struct {
	host   tkey.Host
	logger *zap.Logger
}

var _ tkey.Module = (*Module)(nil)

func New(logger *zap.Logger) *Module {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Module{logger: logger}
}

func (m *Module) Name() string {
	return ModuleName
}

func (m *Module) SetModuleReferences(host tkey.Host) {
	m.host = host
	host.AddRefreshMiddleware(ModuleName, m.refresh)
}

func (m *Module) Initialize(context.Context) error {
	return nil
}

// AnswerHash maps an answer to a scalar: keccak256(answer) mod n.
func AnswerHash(answer string) curve.Scalar {
	return group.NewScalar().SetNat(new(saferith.Nat).SetBytes(hash.Keccak256([]byte(answer))))
}

// DeterminedShare is the share value to pin at key creation, see
// tkey.NewKeyOptions.DeterminedShare, so that the answer unlocks it with a zero nonce.
func DeterminedShare(answer string) curve.Scalar {
	return AnswerHash(answer)
}

// Get returns the module's state.
func (m *Module) Get() (*Store, error) {
	meta, err := m.host.Metadata()
	if err != nil {
		return nil, err
	}
	return storeOf(meta)
}

func storeOf(meta *metadata.Metadata) (*Store, error) {
	var s Store
	ok, err := meta.GetGeneralStore(ModuleName, &s)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotInitialized
	}
	return &s, nil
}

// GenerateNewShareWithSecurityQuestions issues a new share and makes it recoverable with
// answer. It returns the new share.
func (m *Module) GenerateNewShareWithSecurityQuestions(ctx context.Context, answer, questions string) (*metadata.ShareStore, error) {
	if _, err := m.Get(); !errors.Is(err, ErrNotInitialized) {
		if err == nil {
			return nil, ErrExists
		}
		return nil, err
	}
	res, err := m.host.GenerateNewShare(ctx)
	if err != nil {
		return nil, err
	}
	share := res.ShareStores[curve.ScalarToHex(res.NewShareIndex)]
	if err = m.save(ctx, share, answer, questions); err != nil {
		return nil, err
	}
	m.logger.Info("security questions share created", zap.String("shareIndex", share.Share.IndexHex()))
	return share, nil
}

// SetDeterminedShare registers the share at index, created from DeterminedShare(answer),
// with the module.
func (m *Module) SetDeterminedShare(ctx context.Context, index curve.Scalar, answer, questions string) error {
	if _, err := m.Get(); !errors.Is(err, ErrNotInitialized) {
		if err == nil {
			return ErrExists
		}
		return err
	}
	share, err := m.host.OutputShareStore(index, "")
	if err != nil {
		return err
	}
	if !share.Share.Share.Equal(AnswerHash(answer)) {
		return ErrWrongAnswer
	}
	return m.save(ctx, share, answer, questions)
}

// InputShareFromSecurityQuestions recovers the share from answer and hands it to the key.
func (m *Module) InputShareFromSecurityQuestions(answer string) error {
	store, err := m.Get()
	if err != nil {
		return err
	}
	value := AnswerHash(answer).Add(store.Nonce)
	if !value.ActOnBase().Equal(store.PublicShare.ShareCommitment) {
		return ErrWrongAnswer
	}
	return m.host.InputShareStore(&metadata.ShareStore{
		Share:        metadata.NewShare(store.ShareIndex, value),
		PolynomialID: store.PolynomialID,
	})
}

// ChangeSecurityQuestionAndAnswer makes newAnswer unlock the share instead of the old
// one. The share itself must be available, i.e. held or derivable from the key.
func (m *Module) ChangeSecurityQuestionAndAnswer(ctx context.Context, newAnswer, newQuestions string) error {
	store, err := m.Get()
	if err != nil {
		return err
	}
	share, err := m.host.OutputShareStore(store.ShareIndex, store.PolynomialID)
	if err != nil {
		return err
	}
	return m.save(ctx, share, newAnswer, newQuestions)
}

func (m *Module) save(ctx context.Context, share *metadata.ShareStore, answer, questions string) error {
	store := &Store{
		Nonce:        group.NewScalar().Set(share.Share.Share).Sub(AnswerHash(answer)),
		ShareIndex:   share.Share.ShareIndex,
		PublicShare:  share.Share.PublicShare(),
		PolynomialID: share.PolynomialID,
		Questions:    questions,
	}
	description, err := json.Marshal(shareDescription{
		Module:    ModuleName,
		Questions: questions,
		DateAdded: time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	indexHex := share.Share.IndexHex()
	return m.host.SyncShareMetadata(ctx, func(meta *metadata.Metadata) error {
		if err := meta.SetGeneralStore(ModuleName, store); err != nil {
			return err
		}
		for _, d := range meta.ShareDescriptions[indexHex] {
			var old shareDescription
			if json.Unmarshal([]byte(d), &old) == nil && old.Module == ModuleName {
				meta.DeleteShareDescription(indexHex, d)
			}
		}
		meta.AddShareDescription(indexHex, string(description))
		return nil
	})
}

// refresh moves the nonce to the new share at the same index, keeping the answer hash:
// newNonce = newShare - (oldShare - oldNonce). The store is dropped with its share.
func (m *Module) refresh(data []byte, oldShares, newShares map[string]*metadata.ShareStore) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var store Store
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, err
	}
	indexHex := curve.ScalarToHex(store.ShareIndex)
	fresh, ok := newShares[indexHex]
	if !ok {
		m.logger.Info("security questions share deleted", zap.String("shareIndex", indexHex))
		return nil, nil
	}
	old, ok := oldShares[indexHex]
	if !ok {
		return nil, fmt.Errorf("securityquestions: share %s missing from the previous epoch", indexHex)
	}
	answerHash := group.NewScalar().Set(old.Share.Share).Sub(store.Nonce)
	store.Nonce = group.NewScalar().Set(fresh.Share.Share).Sub(answerHash)
	store.PublicShare = fresh.Share.PublicShare()
	store.PolynomialID = fresh.PolynomialID
	return json.Marshal(&store)
}
