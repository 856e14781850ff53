package relay

import (
	"context"
	"encoding/base64"

	"github.com/robfig/cron/v3"

	"github.com/near-examples/passkey-wallet-engine/pkg/logging"
	"github.com/near-examples/passkey-wallet-engine/pkg/shamir3pass"
	"github.com/near-examples/passkey-wallet-engine/pkg/werrors"
)

// ApplyServerLockRequest carries the client's KEK, already locked under the
// client's own exponent (kek_c), base64url-encoded.
type ApplyServerLockRequest struct {
	KEKCB64U string `json:"kek_c_b64u"`
}

// ApplyServerLockResult is kek_cs, the doubly-locked KEK.
type ApplyServerLockResult struct {
	KEKCSB64U string `json:"kek_cs_b64u"`
}

// ApplyServerLock implements the server half of the Shamir 3-pass
// protocol's first round: applying the server's exponent e_s on top of
// the client's already-locked KEK. Grounded on pkg/shamir3pass.ApplyServerLock,
// the same math the offline-export recovery flow's client half uses.
func (o *Orchestrator) ApplyServerLock(ctx context.Context, req ApplyServerLockRequest) (ApplyServerLockResult, error) {
	o.mu.Lock()
	kp := o.shamir
	o.mu.Unlock()
	if kp == nil {
		return ApplyServerLockResult{}, werrors.New(werrors.ConfigError, "Shamir server key material is not configured")
	}
	kekC, err := decodeB64U(req.KEKCB64U, "kek_c_b64u")
	if err != nil {
		return ApplyServerLockResult{}, err
	}
	kekCS, err := shamir3pass.ApplyServerLock(kp, kekC)
	if err != nil {
		return ApplyServerLockResult{}, werrors.Wrap(werrors.DecryptionFailed, "apply server lock", err)
	}
	o.logger.LogAudit(ctx, "apply_server_lock", "shamir", "", "success")
	return ApplyServerLockResult{KEKCSB64U: base64.RawURLEncoding.EncodeToString(kekCS)}, nil
}

// RemoveServerLockRequest carries kek_cs (client-then-server-locked) for
// the server to strip its own exponent back off, per the protocol's
// second round.
type RemoveServerLockRequest struct {
	KEKCSB64U string `json:"kek_cs_b64u"`
}

// RemoveServerLockResult is kek_s, the once-locked (client-only) KEK the
// caller returns to the client for the final client-side unlock.
type RemoveServerLockResult struct {
	KEKSB64U string `json:"kek_s_b64u"`
}

// RemoveServerLock implements the server half of the protocol's second
// round: removing the server's own exponent from a value the server has
// already locked once (kek_sc → kek_c), so the client can finish by
// removing its own exponent.
func (o *Orchestrator) RemoveServerLock(ctx context.Context, req RemoveServerLockRequest) (RemoveServerLockResult, error) {
	o.mu.Lock()
	kp := o.shamir
	o.mu.Unlock()
	if kp == nil {
		return RemoveServerLockResult{}, werrors.New(werrors.ConfigError, "Shamir server key material is not configured")
	}
	kekCS, err := decodeB64U(req.KEKCSB64U, "kek_cs_b64u")
	if err != nil {
		return RemoveServerLockResult{}, err
	}
	kekS, err := shamir3pass.RemoveServerLock(kp, kekCS)
	if err != nil {
		return RemoveServerLockResult{}, werrors.Wrap(werrors.DecryptionFailed, "remove server lock", err)
	}
	o.logger.LogAudit(ctx, "remove_server_lock", "shamir", "", "success")
	return RemoveServerLockResult{KEKSB64U: base64.RawURLEncoding.EncodeToString(kekS)}, nil
}

func decodeB64U(s, field string) ([]byte, error) {
	if s == "" {
		return nil, werrors.New(werrors.InvalidInput, field+" is required")
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, werrors.Wrap(werrors.InvalidInput, "decode "+field, err)
	}
	return raw, nil
}

// rotationJob periodically regenerates the server's Shamir exponent pair
// (e_s, d_s) under cfg.ENABLE_ROTATION, via robfig/cron/v3 — the teacher's
// declared scheduling dependency, not otherwise exercised elsewhere in the
// relay since account creation and registration are triggered by inbound
// requests rather than on a schedule.
type rotationJob struct {
	o      *Orchestrator
	logger *logging.Logger
	cron   *cron.Cron
}

// newRotationJob builds (but does not start) the rotation job, scheduled
// per cfg.RotationCron, defaulting to a weekly rotation.
func newRotationJob(o *Orchestrator, logger *logging.Logger) *rotationJob {
	schedule := o.cfg.RotationCron
	if schedule == "" {
		schedule = "0 0 * * 0" // weekly, Sunday midnight
	}
	c := cron.New()
	rj := &rotationJob{o: o, logger: logger, cron: c}
	_, err := c.AddFunc(schedule, rj.rotate)
	if err != nil {
		logger.LogSecurityEvent(context.Background(), "shamir_rotation_schedule_invalid", map[string]interface{}{"schedule": schedule, "error": err.Error()})
	}
	return rj
}

func (rj *rotationJob) Start() { rj.cron.Start() }

func (rj *rotationJob) Stop() { <-rj.cron.Stop().Done() }

func (rj *rotationJob) rotate() {
	ctx := context.Background()
	p := rj.o.shamir.P
	kp, err := shamir3pass.GenerateKeyPair(p)
	if err != nil {
		rj.logger.LogSecurityEvent(ctx, "shamir_rotation_failed", map[string]interface{}{"error": err.Error()})
		return
	}
	rj.o.mu.Lock()
	rj.o.shamir = kp
	rj.o.mu.Unlock()
	rj.logger.LogAudit(ctx, "rotate_shamir_keypair", "shamir", "", "success")
}
