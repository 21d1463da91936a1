package primitive

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/protocol"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

// Simulated 确定性的模拟原语（secp256k1 + Schnorr）
//
// 注意：第二轮会把本方秘密分量直接发给其他参与方，完成后每个参与方都持有完整的组私钥。
// 它只用于测试、离线演练和协调层联调，真实部署需要替换为真正的 FROST 实现。
type Simulated struct {
	seed []byte
	rand io.Reader
}

var _ protocol.Primitive = (*Simulated)(nil)

// NewSimulated 使用给定种子创建原语，相同种子和编号得到相同的 DKG 结果
func NewSimulated(seed []byte) *Simulated {
	return &Simulated{seed: append([]byte(nil), seed...), rand: rand.Reader}
}

// NewFactory 基于节点密钥为每个会话派生独立种子
func NewFactory(secret []byte) protocol.PrimitiveFactory {
	return func(sessionID, participantID string) protocol.Primitive {
		seed, err := DeriveSeed(secret, sessionID, participantID)
		if err != nil {
			// hkdf 只在读取超过 255 个块时失败
			panic(err)
		}
		return NewSimulated(seed)
	}
}

// DeriveSeed HKDF-SHA256(secret, salt=sessionID, info=participantID)
func DeriveSeed(secret []byte, sessionID, participantID string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte(sessionID), []byte("mpc-mesh/primitive/"+participantID))
	seed := make([]byte, 32)
	if _, err := io.ReadFull(reader, seed); err != nil {
		return nil, errors.Wrap(err, "failed to derive primitive seed")
	}
	return seed, nil
}

type round1State struct {
	ID          uint16            `json:"id"`
	N           int               `json:"n"`
	T           int               `json:"t"`
	Secret      []byte            `json:"secret"`
	Commitments map[uint16][]byte `json:"commitments,omitempty"`
}

type round1Package struct {
	ID         uint16 `json:"id"`
	Commitment []byte `json:"commitment"`
}

type round2Package struct {
	From   uint16 `json:"from"`
	Secret []byte `json:"secret"`
}

type keyData struct {
	ID          uint16 `json:"id"`
	GroupSecret []byte `json:"group_secret"`
}

type signCommitment struct {
	ID    uint16 `json:"id"`
	Point []byte `json:"point"`
}

type signShare struct {
	ID     uint16 `json:"id"`
	Digest []byte `json:"digest"`
}

// DKGRound1 生成本方秘密分量及其承诺
func (s *Simulated) DKGRound1(id protocol.Identifier, n, t int) ([]byte, []byte, error) {
	if t < 1 || t > n {
		return nil, nil, &protocol.PrimitiveError{Reason: protocol.ReasonGuardNotMet, Message: fmt.Sprintf("invalid threshold %d of %d", t, n)}
	}
	if id == 0 || int(id) > n {
		return nil, nil, &protocol.PrimitiveError{Reason: protocol.ReasonGuardNotMet, Message: fmt.Sprintf("identifier %d out of range", id)}
	}

	secret := s.scalar("dkg/secret", uint16(id))
	commitment := pointBytes(secret)
	secretBytes := secret.Bytes()

	state, err := json.Marshal(&round1State{ID: uint16(id), N: n, T: t, Secret: secretBytes[:]})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal round1 state")
	}
	pkg, err := json.Marshal(&round1Package{ID: uint16(id), Commitment: commitment})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal round1 package")
	}
	return state, pkg, nil
}

// DKGRound2 校验第一轮承诺并为每个接收方生成第二轮包
func (s *Simulated) DKGRound2(state []byte, packages map[protocol.Identifier][]byte) ([]byte, map[protocol.Identifier][]byte, error) {
	var st round1State
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, nil, errors.Wrap(err, "failed to unmarshal round1 state")
	}
	if len(packages) != st.N-1 {
		return nil, nil, &protocol.PrimitiveError{Reason: protocol.ReasonProtocolAbort,
			Message: fmt.Sprintf("expected %d round1 packages, got %d", st.N-1, len(packages))}
	}

	var own secp256k1.ModNScalar
	own.SetByteSlice(st.Secret)
	st.Commitments = map[uint16][]byte{st.ID: pointBytes(&own)}

	out := make(map[protocol.Identifier][]byte, len(packages))
	for _, id := range sortedIdentifiers(packages) {
		pkg, err := decodeRound1(packages[id])
		if err != nil || pkg.ID != uint16(id) {
			return nil, nil, &protocol.PrimitiveError{Reason: protocol.ReasonMalformedPackage,
				Culprits: []protocol.Identifier{id}, Message: "invalid round1 package"}
		}
		st.Commitments[pkg.ID] = pkg.Commitment

		payload, err := json.Marshal(&round2Package{From: st.ID, Secret: st.Secret})
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to marshal round2 package")
		}
		out[id] = payload
	}

	next, err := json.Marshal(&st)
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal round2 state")
	}
	return next, out, nil
}

// DKGFinalize 逐个校验第二轮分量与第一轮承诺一致，汇总得到组公钥
func (s *Simulated) DKGFinalize(state []byte, round1, round2 map[protocol.Identifier][]byte) (*protocol.KeyMaterial, error) {
	var st round1State
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal round2 state")
	}
	if len(round2) != st.N-1 {
		return nil, &protocol.PrimitiveError{Reason: protocol.ReasonFinalizeFailed,
			Message: fmt.Sprintf("expected %d round2 packages, got %d", st.N-1, len(round2))}
	}

	var groupSecret secp256k1.ModNScalar
	groupSecret.SetByteSlice(st.Secret)

	for _, id := range sortedIdentifiers(round2) {
		var pkg round2Package
		if err := json.Unmarshal(round2[id], &pkg); err != nil || pkg.From != uint16(id) || len(pkg.Secret) != 32 {
			return nil, &protocol.PrimitiveError{Reason: protocol.ReasonMalformedPackage,
				Culprits: []protocol.Identifier{id}, Message: "invalid round2 package"}
		}
		commitment, ok := st.Commitments[pkg.From]
		if !ok {
			return nil, &protocol.PrimitiveError{Reason: protocol.ReasonCommitmentMismatch,
				Culprits: []protocol.Identifier{id}, Message: "no round1 commitment for sender"}
		}

		var part secp256k1.ModNScalar
		if overflow := part.SetByteSlice(pkg.Secret); overflow || part.IsZero() {
			return nil, &protocol.PrimitiveError{Reason: protocol.ReasonMalformedPackage,
				Culprits: []protocol.Identifier{id}, Message: "secret share out of range"}
		}
		if !bytes.Equal(pointBytes(&part), commitment) {
			return nil, &protocol.PrimitiveError{Reason: protocol.ReasonCommitmentMismatch,
				Culprits: []protocol.Identifier{id}, Message: "secret share does not match round1 commitment"}
		}
		groupSecret.Add(&part)
	}

	if groupSecret.IsZero() {
		return nil, &protocol.PrimitiveError{Reason: protocol.ReasonFinalizeFailed, Message: "degenerate group secret"}
	}
	secretBytes := groupSecret.Bytes()
	data, err := json.Marshal(&keyData{ID: st.ID, GroupSecret: secretBytes[:]})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal key data")
	}
	return &protocol.KeyMaterial{GroupKey: pointBytes(&groupSecret), Data: data}, nil
}

// SignRound1 生成随机 nonce 及其承诺
func (s *Simulated) SignRound1(share *protocol.KeyShare) ([]byte, []byte, error) {
	if share == nil {
		return nil, nil, &protocol.PrimitiveError{Reason: protocol.ReasonMissingKeyShare, Message: "key share is nil"}
	}
	var nonce secp256k1.ModNScalar
	buf := make([]byte, 32)
	for nonce.IsZero() {
		if _, err := io.ReadFull(s.rand, buf); err != nil {
			return nil, nil, errors.Wrap(err, "failed to read nonce")
		}
		nonce.SetByteSlice(buf)
	}
	nonceBytes := nonce.Bytes()

	commitment, err := json.Marshal(&signCommitment{ID: uint16(share.Identifier), Point: pointBytes(&nonce)})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to marshal commitment")
	}
	return nonceBytes[:], commitment, nil
}

// SignRound2 对消息与完整承诺集合生成签名分片
func (s *Simulated) SignRound2(state []byte, share *protocol.KeyShare, message []byte, commitments map[protocol.Identifier][]byte) ([]byte, error) {
	if len(state) != 32 {
		return nil, &protocol.PrimitiveError{Reason: protocol.ReasonProtocolAbort, Message: "nonce state missing"}
	}
	if _, ok := commitments[share.Identifier]; !ok {
		return nil, &protocol.PrimitiveError{Reason: protocol.ReasonProtocolAbort, Message: "own commitment missing from set"}
	}
	for _, id := range sortedIdentifiers(commitments) {
		c, err := decodeCommitment(commitments[id])
		if err != nil || c.ID != uint16(id) {
			return nil, &protocol.PrimitiveError{Reason: protocol.ReasonMalformedPackage,
				Culprits: []protocol.Identifier{id}, Message: "invalid commitment"}
		}
	}

	key, err := decodeKeyData(share)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(&signShare{ID: uint16(share.Identifier), Digest: shareDigest(key.GroupSecret, uint16(share.Identifier), message, commitments)})
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal signature share")
	}
	return payload, nil
}

// Aggregate 校验每个签名分片后生成 Schnorr 签名
func (s *Simulated) Aggregate(share *protocol.KeyShare, message []byte, commitments, shares map[protocol.Identifier][]byte) ([]byte, error) {
	key, err := decodeKeyData(share)
	if err != nil {
		return nil, err
	}
	if len(shares) != len(commitments) {
		return nil, &protocol.PrimitiveError{Reason: protocol.ReasonProtocolAbort,
			Message: fmt.Sprintf("%d shares for %d commitments", len(shares), len(commitments))}
	}

	for _, id := range sortedIdentifiers(shares) {
		var sh signShare
		if err := json.Unmarshal(shares[id], &sh); err != nil || sh.ID != uint16(id) {
			return nil, &protocol.PrimitiveError{Reason: protocol.ReasonMalformedPackage,
				Culprits: []protocol.Identifier{id}, Message: "invalid signature share"}
		}
		if !bytes.Equal(sh.Digest, shareDigest(key.GroupSecret, sh.ID, message, commitments)) {
			return nil, &protocol.PrimitiveError{Reason: protocol.ReasonCommitmentMismatch,
				Culprits: []protocol.Identifier{id}, Message: "signature share does not match commitment set"}
		}
	}

	var secret secp256k1.ModNScalar
	secret.SetByteSlice(key.GroupSecret)
	hash := sha256.Sum256(message)
	sig, err := schnorr.Sign(secp256k1.NewPrivateKey(&secret), hash[:])
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign")
	}
	return sig.Serialize(), nil
}

// Verify 用组公钥验证 Schnorr 签名
func (s *Simulated) Verify(groupKey, message, signature []byte) error {
	pubKey, err := secp256k1.ParsePubKey(groupKey)
	if err != nil {
		return errors.Wrap(err, "failed to parse group key")
	}
	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return &protocol.PrimitiveError{Reason: protocol.ReasonVerificationFailed, Message: err.Error()}
	}
	hash := sha256.Sum256(message)
	if !sig.Verify(hash[:], pubKey) {
		return &protocol.PrimitiveError{Reason: protocol.ReasonVerificationFailed, Message: "signature does not verify"}
	}
	return nil
}

// ValidatePackage 收包时的格式检查
func (s *Simulated) ValidatePackage(kind protocol.Kind, round int, pkg []byte) error {
	switch {
	case kind == protocol.KindDKG && round == 1:
		_, err := decodeRound1(pkg)
		return err
	case kind == protocol.KindDKG && round == 2:
		var p round2Package
		if err := json.Unmarshal(pkg, &p); err != nil {
			return errors.Wrap(err, "invalid round2 package")
		}
		if len(p.Secret) != 32 {
			return errors.New("round2 secret must be 32 bytes")
		}
		return nil
	case kind == protocol.KindSigning && round == 1:
		_, err := decodeCommitment(pkg)
		return err
	case kind == protocol.KindSigning && round == 2:
		var p signShare
		if err := json.Unmarshal(pkg, &p); err != nil {
			return errors.Wrap(err, "invalid signature share")
		}
		if len(p.Digest) != sha256.Size {
			return errors.New("signature share digest must be 32 bytes")
		}
		return nil
	}
	return errors.Errorf("unknown round %d for %s", round, kind)
}

func (s *Simulated) scalar(label string, id uint16) *secp256k1.ModNScalar {
	var idBytes [2]byte
	binary.BigEndian.PutUint16(idBytes[:], id)

	var scalar secp256k1.ModNScalar
	digest := sha256.Sum256(append(append([]byte(label), s.seed...), idBytes[:]...))
	for {
		scalar.SetByteSlice(digest[:])
		if !scalar.IsZero() {
			return &scalar
		}
		digest = sha256.Sum256(digest[:])
	}
}

func pointBytes(k *secp256k1.ModNScalar) []byte {
	return secp256k1.NewPrivateKey(k).PubKey().SerializeCompressed()
}

func decodeRound1(pkg []byte) (*round1Package, error) {
	var p round1Package
	if err := json.Unmarshal(pkg, &p); err != nil {
		return nil, errors.Wrap(err, "invalid round1 package")
	}
	if _, err := secp256k1.ParsePubKey(p.Commitment); err != nil {
		return nil, errors.Wrap(err, "invalid round1 commitment")
	}
	return &p, nil
}

func decodeCommitment(pkg []byte) (*signCommitment, error) {
	var c signCommitment
	if err := json.Unmarshal(pkg, &c); err != nil {
		return nil, errors.Wrap(err, "invalid commitment")
	}
	if _, err := secp256k1.ParsePubKey(c.Point); err != nil {
		return nil, errors.Wrap(err, "invalid commitment point")
	}
	return &c, nil
}

func decodeKeyData(share *protocol.KeyShare) (*keyData, error) {
	if share == nil {
		return nil, &protocol.PrimitiveError{Reason: protocol.ReasonMissingKeyShare, Message: "key share is nil"}
	}
	var key keyData
	if err := json.Unmarshal(share.Data, &key); err != nil || len(key.GroupSecret) != 32 {
		return nil, &protocol.PrimitiveError{Reason: protocol.ReasonMissingKeyShare, Message: "key share data is unreadable"}
	}
	return &key, nil
}

func shareDigest(groupSecret []byte, id uint16, message []byte, commitments map[protocol.Identifier][]byte) []byte {
	h := sha256.New()
	h.Write([]byte("sign/share"))
	h.Write(groupSecret)
	var idBytes [2]byte
	binary.BigEndian.PutUint16(idBytes[:], id)
	h.Write(idBytes[:])
	h.Write(message)
	for _, cid := range sortedIdentifiers(commitments) {
		binary.BigEndian.PutUint16(idBytes[:], uint16(cid))
		h.Write(idBytes[:])
		h.Write(commitments[cid])
	}
	return h.Sum(nil)
}

func sortedIdentifiers(m map[protocol.Identifier][]byte) []protocol.Identifier {
	ids := make([]protocol.Identifier, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
