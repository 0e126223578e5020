package metadata

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tkey/tkey-sub000/pkg/ecies"
	"github.com/tkey/tkey-sub000/pkg/math/curve"
	"github.com/tkey/tkey-sub000/pkg/math/polynomial"
	"github.com/tkey/tkey-sub000/pkg/math/sample"
)

func newEpoch(t *testing.T, secret curve.Scalar, indexes ...uint32) (*polynomial.Polynomial, *PublicPolynomial, []Share) {
	poly := polynomial.NewPolynomial(group, 1, secret)
	shares := make([]Share, len(indexes))
	for i, idx := range indexes {
		x := group.NewScalar().SetUInt32(idx)
		shares[i] = NewShare(x, poly.Evaluate(x))
	}
	return poly, PublicPolynomialOf(poly), shares
}

func publicShares(shares []Share) []PublicShare {
	out := make([]PublicShare, len(shares))
	for i, s := range shares {
		out[i] = s.PublicShare()
	}
	return out
}

func populated(t *testing.T) *Metadata {
	secret := sample.ScalarUnit(rand.Reader, group)
	_, pub, shares := newEpoch(t, secret, 1, 2)
	m := New(secret.ActOnBase())
	require.NoError(t, m.AddPolynomial(pub, publicShares(shares)))

	require.NoError(t, m.SetGeneralStore("securityQuestions", map[string]string{"questions": "pet?"}))
	enc, err := ecies.Encrypt(m.PubKey, []byte("salt"))
	require.NoError(t, err)
	m.SetTkeyStoreItem("tss", "accountSalt", enc)
	m.AddShareDescription("2", `{"module":"device"}`)

	_, factorPub := sample.ScalarPointPair(rand.Reader, group)
	userEnc, err := ecies.Encrypt(factorPub, []byte("tss2"))
	require.NoError(t, err)
	nonce := uint64(0)
	a0 := sample.ScalarUnit(rand.Reader, group).ActOnBase()
	a1 := sample.ScalarUnit(rand.Reader, group).ActOnBase()
	require.NoError(t, m.AddTSSData("default", TSSUpdate{
		Nonce:       &nonce,
		PolyCommits: []curve.Point{a0, a1},
		FactorPubs:  []curve.Point{factorPub},
		FactorEncs: map[string]*FactorEnc{
			FactorPubID(factorPub): {TSSIndex: 2, Encoding: DirectEncoding{UserEnc: userEnc}},
		},
	}))
	require.NoError(t, m.AddTSSData("hier", TSSUpdate{
		PolyCommits: []curve.Point{a0, a1},
		FactorPubs:  []curve.Point{factorPub},
		FactorEncs: map[string]*FactorEnc{
			FactorPubID(factorPub): {TSSIndex: 3, Encoding: HierarchicalEncoding{
				UserEnc:    userEnc,
				ServerEncs: []*ecies.EncryptedMessage{userEnc, nil, userEnc},
			}},
		},
	}))
	m.Nonce = 7
	return m
}

func TestCanonicalIdempotence(t *testing.T) {
	m := populated(t)
	first, err := m.MarshalCanonical()
	require.NoError(t, err)

	parsed, err := Unmarshal(first)
	require.NoError(t, err)
	second, err := parsed.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))

	reparsed, err := Unmarshal(second)
	require.NoError(t, err)
	third, err := reparsed.MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(second), string(third))

	assert.True(t, parsed.PubKey.Equal(m.PubKey))
	assert.Equal(t, m.PolyIDList, parsed.PolyIDList)
	assert.EqualValues(t, 7, parsed.Nonce)
}

func TestFactorEncRoundTrip(t *testing.T) {
	m := populated(t)
	data, err := m.MarshalCanonical()
	require.NoError(t, err)
	parsed, err := Unmarshal(data)
	require.NoError(t, err)

	for _, enc := range parsed.TSSData("default").FactorEncs {
		direct, ok := enc.Encoding.(DirectEncoding)
		require.True(t, ok)
		assert.NotNil(t, direct.UserEnc)
		assert.Equal(t, 2, enc.TSSIndex)
	}
	for _, enc := range parsed.TSSData("hier").FactorEncs {
		hier, ok := enc.Encoding.(HierarchicalEncoding)
		require.True(t, ok)
		require.Len(t, hier.ServerEncs, 3)
		assert.Nil(t, hier.ServerEncs[1])
		assert.NotNil(t, hier.ServerEncs[2])
	}
	assert.NoError(t, parsed.TSSData("default").Validate())
}

func TestFactorEncJSONShape(t *testing.T) {
	_, pub := sample.ScalarPointPair(rand.Reader, group)
	userEnc, err := ecies.Encrypt(pub, []byte("x"))
	require.NoError(t, err)
	f := &FactorEnc{TSSIndex: 2, Encoding: DirectEncoding{UserEnc: userEnc}}
	data, err := json.Marshal(f)
	require.NoError(t, err)

	var shape map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &shape))
	assert.Equal(t, "direct", shape["type"])
	assert.EqualValues(t, 2, shape["tssIndex"])
	assert.Equal(t, []interface{}{}, shape["serverEncs"])
	assert.Contains(t, shape, "userEnc")

	var bad FactorEnc
	assert.Error(t, json.Unmarshal([]byte(`{"tssIndex":2,"type":"other","userEnc":{}}`), &bad))
}

func TestCloneIsDeep(t *testing.T) {
	m := populated(t)
	c := m.Clone()

	c.Nonce++
	c.PolyIDList = append(c.PolyIDList, "x")
	c.AddShareDescription("2", "other")
	require.NoError(t, c.AddTSSData("default", TSSUpdate{FactorPubs: []curve.Point{}, FactorEncs: map[string]*FactorEnc{}}))
	require.NoError(t, c.SetGeneralStore("securityQuestions", "changed"))

	assert.EqualValues(t, 7, m.Nonce)
	assert.Len(t, m.PolyIDList, 1)
	assert.Len(t, m.ShareDescriptions["2"], 1)
	assert.Len(t, m.TSSData("default").FactorPubs, 1)
	var store map[string]string
	found, err := m.GetGeneralStore("securityQuestions", &store)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "pet?", store["questions"])

	a, err := m.MarshalCanonical()
	require.NoError(t, err)
	b, err := m.Clone().MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestAddTSSDataKeepsOmittedFields(t *testing.T) {
	m := populated(t)
	before := m.TSSData("default").Clone()

	_, newPub := sample.ScalarPointPair(rand.Reader, group)
	err := m.AddTSSData("default", TSSUpdate{FactorPubs: append(before.FactorPubs, newPub)})
	assert.Error(t, err, "the new factor pub has no encryption")
	assert.Len(t, m.TSSData("default").FactorPubs, 1, "a rejected update changes nothing")

	userEnc, err := ecies.Encrypt(newPub, []byte("tss3"))
	require.NoError(t, err)
	encs := map[string]*FactorEnc{FactorPubID(newPub): {TSSIndex: 3, Encoding: DirectEncoding{UserEnc: userEnc}}}
	for id, enc := range before.FactorEncs {
		encs[id] = enc
	}
	require.NoError(t, m.AddTSSData("default", TSSUpdate{FactorPubs: append(before.FactorPubs, newPub), FactorEncs: encs}))

	after := m.TSSData("default")
	assert.Len(t, after.FactorPubs, 2)
	require.Len(t, after.PolyCommits, 2)
	assert.True(t, after.PolyCommits[0].Equal(before.PolyCommits[0]))
	assert.Len(t, after.FactorEncs, 2)
	assert.Equal(t, before.Nonce, after.Nonce)
}

func TestUnmarshalRejectsInconsistentTSSData(t *testing.T) {
	m := populated(t)
	_, orphan := sample.ScalarPointPair(rand.Reader, group)
	data := m.TSSData("default")
	data.FactorPubs = append(data.FactorPubs, orphan)

	encoded, err := m.MarshalCanonical()
	require.NoError(t, err)
	_, err = Unmarshal(encoded)
	assert.Error(t, err)
}

func TestAddPolynomial(t *testing.T) {
	secret := sample.ScalarUnit(rand.Reader, group)
	_, pub, shares := newEpoch(t, secret, 1, 2, 3)
	m := New(secret.ActOnBase())
	require.NoError(t, m.AddPolynomial(pub, publicShares(shares)))
	assert.ErrorIs(t, m.AddPolynomial(pub, nil), ErrDuplicatePolynomial)

	latest, err := m.LatestPublicPolynomial()
	require.NoError(t, err)
	assert.Equal(t, pub.PolynomialID(), latest.PolynomialID())
	assert.Equal(t, 2, latest.Threshold())
	assert.Equal(t, []string{"1", "2", "3"}, m.ShareIndexesForPolynomial(latest.PolynomialID()))
	for _, s := range shares {
		assert.True(t, latest.Verify(s))
		ps, ok := m.PublicShare(latest.PolynomialID(), s.IndexHex())
		require.True(t, ok)
		assert.True(t, ps.ShareCommitment.Equal(latest.CommitmentAt(s.ShareIndex)))
	}

	_, err = New(secret.ActOnBase()).LatestPublicPolynomial()
	assert.ErrorIs(t, err, ErrNoPolynomial)
}

func TestPolynomialID(t *testing.T) {
	secret := sample.ScalarUnit(rand.Reader, group)
	_, pub, _ := newEpoch(t, secret, 1)
	commitments := pub.Commitments()
	expected := curve.MinimalHex(commitments[0].XBytes()) + "|" + curve.MinimalHex(commitments[1].XBytes())
	assert.Equal(t, expected, pub.PolynomialID())
}

func TestEncryptedShareRelay(t *testing.T) {
	secret := sample.ScalarUnit(rand.Reader, group)
	_, oldPub, oldShares := newEpoch(t, secret, 1, 2)
	_, newPub, newShares := newEpoch(t, secret, 1, 2)

	oldStore := &ShareStore{Share: oldShares[1], PolynomialID: oldPub.PolynomialID()}
	newStore := &ShareStore{Share: newShares[1], PolynomialID: newPub.PolynomialID()}
	payload, err := newStore.MarshalCanonical()
	require.NoError(t, err)
	enc, err := ecies.Encrypt(oldStore.Share.PublicKey(), payload)
	require.NoError(t, err)

	m := New(secret.ActOnBase())
	_, err = m.EncryptedShare(oldStore)
	assert.ErrorIs(t, err, ErrNoEncryptedShare)

	m.SetScopedStore(map[string]*ecies.EncryptedMessage{KeyOf(oldStore.Share.PublicKey()): enc})
	got, err := m.EncryptedShare(oldStore)
	require.NoError(t, err)
	assert.Equal(t, newStore.PolynomialID, got.PolynomialID)
	assert.True(t, got.Share.Share.Equal(newStore.Share.Share))
}

func TestShareDescriptions(t *testing.T) {
	m := New(group.NewBasePoint())
	m.AddShareDescription("2", "a")
	m.AddShareDescription("2", "b")
	assert.True(t, m.DeleteShareDescription("2", "a"))
	assert.False(t, m.DeleteShareDescription("2", "a"))
	assert.Equal(t, []string{"b"}, m.ShareDescriptions["2"])
	assert.True(t, m.DeleteShareDescription("2", "b"))
	assert.NotContains(t, m.ShareDescriptions, "2")
}

func TestShareStoreJSON(t *testing.T) {
	s := &ShareStore{
		Share:        NewShare(group.NewScalar().SetUInt32(1), group.NewScalar().SetUInt32(0xabc)),
		PolynomialID: "a|b",
	}
	data, err := s.MarshalCanonical()
	require.NoError(t, err)
	assert.JSONEq(t, `{"share":{"shareIndex":"1","share":"abc"},"polynomialID":"a|b"}`, string(data))

	parsed, err := UnmarshalShareStore(data)
	require.NoError(t, err)
	assert.True(t, parsed.Share.Share.Equal(s.Share.Share))

	_, err = UnmarshalShareStore([]byte(`{"polynomialID":"a"}`))
	assert.Error(t, err)
}
