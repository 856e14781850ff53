package vrfworker

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"math/big"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/near-examples/passkey-wallet-engine/pkg/shamir3pass"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// BlockFreshness bounds how old the blockHash bound into a challenge may
// be before the caller must perform a JIT refresh (spec.md §4.F/§4.G).
const BlockFreshness = 5 // blocks

// domainSeparator prefixes every challenge alpha, keeping this VRF's
// input space disjoint from any other use of the same keypair.
var domainSeparator = []byte("near-wallet-engine/vrf-challenge/v1")

// VRFChallenge is the signed, verifiable challenge handed to the WebAuthn
// ceremony as its `challenge` field, binding the assertion to a specific
// user, relying party, and recent block.
type VRFChallenge struct {
	Output      []byte // beta, the 32-byte VRF output
	Proof       []byte // serialized Proof
	UserID      string
	RPID        string
	BlockHeight uint64
	BlockHash   string
}

// keypairState is the in-memory unlocked keypair for one session.
type keypairState struct {
	priv *ecdsa.PrivateKey
}

// Worker holds at most one unlocked VRF keypair per session in memory,
// per spec.md §4.F. It never persists unwrapped key material; durable
// storage goes through the Shamir3Pass* operations below.
type Worker struct {
	mu      sync.Mutex
	byUser  map[string]*keypairState
	logger  *zap.Logger
	shamirP *big.Int
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger overrides the default zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

// WithShamirModulus sets the safe prime P used for this worker's Shamir
// 3-pass client operations; callers typically load this from config
// rather than generating one per process.
func WithShamirModulus(p *big.Int) Option {
	return func(w *Worker) { w.shamirP = p }
}

// New builds a Worker with its own zap logging sink, mirroring the
// signer worker's isolated-sink convention but with a distinct library
// (zap rather than zerolog), since spec.md §5 treats the VRF and signer
// workers as independent isolated execution contexts.
func New(opts ...Option) *Worker {
	logger, _ := zap.NewProduction()
	w := &Worker{
		byUser: make(map[string]*keypairState),
		logger: logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// GenerateVrfKeypairBootstrap creates a fresh, random VRF keypair for a
// new registration and returns the initial VRFChallenge bound to the
// given context plus the keypair's encrypted-at-rest blob (encrypted
// with a PRF-derived key, mirroring the signer worker's envelope
// convention, so this worker never returns a raw private scalar).
func (w *Worker) GenerateVrfKeypairBootstrap(userID, rpID string, blockHeight uint64, blockHash string, prfFirst []byte) (VRFChallenge, []byte, error) {
	priv, err := ecdsa.GenerateKey(curveP256, rand.Reader)
	if err != nil {
		return VRFChallenge{}, nil, werrors.Wrap(werrors.Unknown, "vrf: generate keypair", err)
	}
	return w.bootstrapFrom(userID, rpID, blockHeight, blockHash, prfFirst, priv)
}

// DeriveVrfKeypairFromPrf deterministically rebuilds the VRF keypair from
// PRF.first (device-link / recovery flows, where no wrapped blob is
// available yet but the same passkey can always re-derive the same key).
func (w *Worker) DeriveVrfKeypairFromPrf(userID, rpID string, blockHeight uint64, blockHash string, prfFirst []byte) (VRFChallenge, []byte, error) {
	priv, err := deriveP256Key(prfFirst)
	if err != nil {
		return VRFChallenge{}, nil, err
	}
	return w.bootstrapFrom(userID, rpID, blockHeight, blockHash, prfFirst, priv)
}

func (w *Worker) bootstrapFrom(userID, rpID string, blockHeight uint64, blockHash string, prfFirst []byte, priv *ecdsa.PrivateKey) (VRFChallenge, []byte, error) {
	w.mu.Lock()
	w.byUser[userID] = &keypairState{priv: priv}
	w.mu.Unlock()

	challenge, err := w.challengeFor(priv, userID, rpID, blockHeight, blockHash)
	if err != nil {
		return VRFChallenge{}, nil, err
	}

	encrypted, err := encryptKeypairBlob(priv, prfFirst)
	if err != nil {
		return VRFChallenge{}, nil, err
	}
	w.logger.Info("vrf keypair bootstrapped", zap.String("user_id", userID), zap.String("rp_id", rpID))
	return challenge, encrypted, nil
}

// GenerateEphemeralVrfChallenge mints a challenge from a throwaway keypair
// that is never stored in the session map. Registration needs a
// WebAuthn `challenge` value before the ceremony runs and therefore
// before PRF.first is available; the confirm flow (component G) uses
// this to produce that initial challenge, then discards it once
// DeriveVrfKeypairFromPrf/GenerateVrfKeypairBootstrap establishes the
// real, PRF-derived session keypair after the ceremony returns.
func (w *Worker) GenerateEphemeralVrfChallenge(userID, rpID string, blockHeight uint64, blockHash string) (VRFChallenge, error) {
	priv, err := ecdsa.GenerateKey(curveP256, rand.Reader)
	if err != nil {
		return VRFChallenge{}, werrors.Wrap(werrors.Unknown, "vrf: generate ephemeral keypair", err)
	}
	return w.challengeFor(priv, userID, rpID, blockHeight, blockHash)
}

// GenerateVrfChallenge produces a fresh challenge for an already-unlocked
// session keypair. Callers must ensure blockHash is within BlockFreshness
// blocks of current; the confirm flow (component G) performs the JIT
// refresh when it is not.
func (w *Worker) GenerateVrfChallenge(userID, rpID string, blockHeight uint64, blockHash string) (VRFChallenge, error) {
	w.mu.Lock()
	state, ok := w.byUser[userID]
	w.mu.Unlock()
	if !ok {
		return VRFChallenge{}, werrors.New(werrors.MissingKeyMaterial, "vrf: no unlocked keypair for user")
	}
	return w.challengeFor(state.priv, userID, rpID, blockHeight, blockHash)
}

func (w *Worker) challengeFor(priv *ecdsa.PrivateKey, userID, rpID string, blockHeight uint64, blockHash string) (VRFChallenge, error) {
	alpha := buildAlpha(userID, rpID, blockHeight, blockHash)
	beta, proof, err := prove(priv, alpha)
	if err != nil {
		return VRFChallenge{}, err
	}
	return VRFChallenge{
		Output:      beta,
		Proof:       serializeProof(proof),
		UserID:      userID,
		RPID:        rpID,
		BlockHeight: blockHeight,
		BlockHash:   blockHash,
	}, nil
}

// VerifyVrfChallenge checks a VRFChallenge's proof against pub, recomputing
// alpha from the challenge's own bound fields.
func VerifyVrfChallenge(pub *ecdsa.PublicKey, challenge VRFChallenge) bool {
	proof, err := deserializeProof(challenge.Proof)
	if err != nil {
		return false
	}
	alpha := buildAlpha(challenge.UserID, challenge.RPID, challenge.BlockHeight, challenge.BlockHash)
	beta, ok := verify(pub, alpha, proof)
	if !ok {
		return false
	}
	return string(beta) == string(challenge.Output)
}

func buildAlpha(userID, rpID string, blockHeight uint64, blockHash string) []byte {
	var heightBuf [8]byte
	binary.BigEndian.PutUint64(heightBuf[:], blockHeight)

	alpha := make([]byte, 0, len(domainSeparator)+len(userID)+len(rpID)+8+len(blockHash))
	alpha = append(alpha, domainSeparator...)
	alpha = append(alpha, []byte(userID)...)
	alpha = append(alpha, []byte(rpID)...)
	alpha = append(alpha, heightBuf[:]...)
	alpha = append(alpha, []byte(blockHash)...)
	return alpha
}

// UnlockVrfKeypair loads a keypair previously produced by
// GenerateVrfKeypairBootstrap/DeriveVrfKeypairFromPrf (or recovered via
// Shamir3PassClientDecryptVrfKeypair) into this session's memory.
func (w *Worker) UnlockVrfKeypair(userID string, encrypted []byte, prfFirst []byte) error {
	priv, err := decryptKeypairBlob(encrypted, prfFirst)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.byUser[userID] = &keypairState{priv: priv}
	w.mu.Unlock()
	return nil
}

// CheckVrfStatus reports whether userID currently has an unlocked keypair
// in this session.
func (w *Worker) CheckVrfStatus(userID string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byUser[userID]
	return ok
}

// Logout zeroizes and drops userID's in-memory keypair.
func (w *Worker) Logout(userID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if state, ok := w.byUser[userID]; ok {
		state.priv.D.SetInt64(0)
		delete(w.byUser, userID)
	}
}

// Shamir3PassConfigP returns this worker's configured Shamir modulus, for
// the client to use when generating its own KeyPair via
// shamir3pass.GenerateKeyPair.
func (w *Worker) Shamir3PassConfigP() (*big.Int, error) {
	if w.shamirP == nil {
		return nil, werrors.New(werrors.ConfigError, "vrf: shamir modulus not configured")
	}
	return w.shamirP, nil
}

// Shamir3PassClientEncryptCurrentVrfKeypair locks userID's current
// encrypted keypair blob with the client's own Shamir exponent, producing
// KEK_c for the server to double-lock.
func (w *Worker) Shamir3PassClientEncryptCurrentVrfKeypair(client *shamir3pass.KeyPair, encryptedBlob []byte) ([]byte, error) {
	return shamir3pass.Lock(client.P, client.E, encryptedBlob)
}

// Shamir3PassClientDecryptVrfKeypair removes the client's own Shamir lock
// from a server-returned KEK_cs (server lock already removed leaves only
// the client's), recovering the original encrypted keypair blob.
func (w *Worker) Shamir3PassClientDecryptVrfKeypair(client *shamir3pass.KeyPair, locked []byte) ([]byte, error) {
	return shamir3pass.Unlock(client.P, client.D, locked)
}

// deriveP256Key deterministically derives a P-256 scalar from PRF output
// via HKDF, retrying the rare case the scalar lands outside [1, N).
func deriveP256Key(prfFirst []byte) (*ecdsa.PrivateKey, error) {
	if len(prfFirst) == 0 {
		return nil, werrors.New(werrors.MissingPRF, "vrf: PRF output required to derive keypair")
	}
	n := curveP256.Params().N
	for counter := 0; counter < 16; counter++ {
		reader := hkdf.New(sha256.New, prfFirst, []byte{byte(counter)}, []byte("near-wallet-engine/vrf-seed/v1"))
		buf := make([]byte, 32)
		if _, err := io.ReadFull(reader, buf); err != nil {
			return nil, werrors.Wrap(werrors.MissingKeyMaterial, "derive vrf scalar", err)
		}
		d := new(big.Int).SetBytes(buf)
		if d.Sign() == 0 || d.Cmp(n) >= 0 {
			continue
		}
		priv := new(ecdsa.PrivateKey)
		priv.Curve = curveP256
		priv.D = d
		priv.X, priv.Y = curveP256.ScalarBaseMult(d.Bytes())
		return priv, nil
	}
	return nil, werrors.New(werrors.Unknown, "vrf: failed to derive a valid scalar from PRF output")
}

// encryptKeypairBlob and decryptKeypairBlob wrap the raw scalar D with a
// PRF-derived AEAD key, matching the signer worker's envelope convention
// so the host never needs to special-case VRF vs. NEAR key material.
func encryptKeypairBlob(priv *ecdsa.PrivateKey, prfFirst []byte) ([]byte, error) {
	return sealScalar(priv.D.Bytes(), prfFirst)
}

func decryptKeypairBlob(encrypted []byte, prfFirst []byte) (*ecdsa.PrivateKey, error) {
	raw, err := openScalar(encrypted, prfFirst)
	if err != nil {
		return nil, err
	}
	d := new(big.Int).SetBytes(raw)
	priv := new(ecdsa.PrivateKey)
	priv.Curve = curveP256
	priv.D = d
	priv.X, priv.Y = curveP256.ScalarBaseMult(d.Bytes())
	return priv, nil
}
