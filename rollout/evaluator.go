package rollout

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"paperminder/server/storage"
	"paperminder/server/ws"
)

// Broadcaster delivers frames to every live session of an identity and
// exposes the set of currently connected identities.
type Broadcaster interface {
	Broadcast(identity string, f ws.Frame, timeout time.Duration) int
	ConnectedIDs() []string
}

// Evaluator decides whether a subscribed printer should be offered a
// firmware update and emits at most one push per evaluation.
type Evaluator struct {
	store       storage.Store
	sender      Broadcaster
	baseURL     string
	sendTimeout time.Duration
}

// NewEvaluator wires an evaluator over the store and the connection
// registry. baseURL is the externally reachable server root used to build
// firmware download links.
func NewEvaluator(store storage.Store, sender Broadcaster, baseURL string, sendTimeout time.Duration) *Evaluator {
	if sendTimeout <= 0 {
		sendTimeout = 10 * time.Second
	}
	return &Evaluator{
		store:       store,
		sender:      sender,
		baseURL:     baseURL,
		sendTimeout: sendTimeout,
	}
}

// EvaluatePrinter runs the full targeting pipeline for one printer and
// reports whether a firmware_update frame was emitted. Evaluation is
// idempotent: an open update attempt is never duplicated, and a push is
// re-sent only while the attempt is still pending.
func (e *Evaluator) EvaluatePrinter(ctx context.Context, p *storage.Printer) (bool, error) {
	if p == nil || !p.AutoUpdate {
		return false, nil
	}

	now := time.Now().UTC()
	active, err := e.store.ListActiveRollouts(ctx)
	if err != nil {
		return false, fmt.Errorf("list active rollouts: %w", err)
	}

	var candidates []*storage.UpdateRollout
	for _, r := range active {
		if r.ScheduledAt != nil && r.ScheduledAt.After(now) {
			continue
		}
		if !Matches(r, p) {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return false, nil
	}

	// Highest target version wins; newer campaigns break ties.
	sort.Slice(candidates, func(i, j int) bool {
		if cmp := CompareVersions(candidates[i].Version, candidates[j].Version); cmp != 0 {
			return cmp > 0
		}
		return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
	})
	chosen := candidates[0]

	fw, err := e.store.GetFirmwareVersion(ctx, chosen.Version, p.Platform)
	if errors.Is(err, storage.ErrNotFound) {
		logDebug("No firmware binary for rollout target",
			"rollout", chosen.ID, "version", chosen.Version, "platform", p.Platform)
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("resolve firmware: %w", err)
	}

	prior, err := e.store.GetUpdateHistory(ctx, chosen.ID, p.ID)
	switch {
	case err == nil:
		// A prior attempt exists. Pending attempts may have missed the
		// push, so re-send the frame; anything further along gets nothing.
		if prior.Status != storage.UpdatePending {
			return false, nil
		}
		e.push(p.ID, fw)
		return true, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return false, fmt.Errorf("load update history: %w", err)
	}

	h := &storage.UpdateHistory{
		RolloutID:   chosen.ID,
		PrinterID:   p.ID,
		Version:     fw.Version,
		FromVersion: p.FirmwareVersion,
	}
	if err := e.store.CreateUpdateHistory(ctx, h); err != nil {
		return false, fmt.Errorf("create update history: %w", err)
	}
	if err := e.store.RegisterRolloutTarget(ctx, chosen.ID); err != nil {
		logWarn("Failed to register rollout target", "rollout", chosen.ID, "error", err)
	}

	e.push(p.ID, fw)
	logInfo("Offered firmware update",
		"printer", p.ID, "rollout", chosen.ID,
		"from", p.FirmwareVersion, "to", fw.Version)
	return true, nil
}

// Matches applies the targeting filters for one rollout against one printer.
// The explicit target lists union with channel matches; version bounds are
// inclusive and the target version must be a strict upgrade.
func Matches(r *storage.UpdateRollout, p *storage.Printer) bool {
	if r.Platform != "" && r.Platform != p.Platform {
		return false
	}

	targeted := r.TargetAll ||
		containsString(r.TargetUserIDs, p.OwnerID) ||
		containsString(r.TargetPrinterIDs, p.ID) ||
		containsString(r.Channels, p.UpdateChannel)
	if !targeted {
		return false
	}

	if r.MinVersion != "" && CompareVersions(p.FirmwareVersion, r.MinVersion) < 0 {
		return false
	}
	if r.MaxVersion != "" && CompareVersions(p.FirmwareVersion, r.MaxVersion) > 0 {
		return false
	}
	if CompareVersions(r.Version, p.FirmwareVersion) <= 0 {
		return false
	}

	if r.RolloutPercentage < 100 && Bucket(p.ID) >= r.RolloutPercentage {
		return false
	}
	return true
}

func (e *Evaluator) push(printerID string, fw *storage.FirmwareVersion) {
	frame := &ws.FirmwareUpdate{
		Version: fw.Version,
		URL:     e.DownloadURL(fw.Version, fw.Platform),
		MD5:     fw.MD5,
	}
	if n := e.sender.Broadcast(printerID, frame, e.sendTimeout); n == 0 {
		// The attempt stays pending; the scheduler retries on its next tick.
		logWarn("Firmware push not delivered", "printer", printerID, "version", fw.Version)
	}
}

// DownloadURL builds the stable firmware download link for a build.
func (e *Evaluator) DownloadURL(version, platform string) string {
	u := fmt.Sprintf("%s/api/firmware/download/%s", e.baseURL, url.PathEscape(version))
	if platform != "" {
		u += "?platform=" + url.QueryEscape(platform)
	}
	return u
}

func containsString(list []string, s string) bool {
	if s == "" {
		return false
	}
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
