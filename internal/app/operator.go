package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"opt-scalp-bot/internal/alerts"
	"opt-scalp-bot/internal/config"

	"go.uber.org/zap"
)

const operatorOffsetKey = "telegram:operator:last_update_id"

type operatorMeta struct {
	UpdateID int64
	UserID   int64
	Username string
	ChatID   int64
	Raw      string
}

type operatorAuditEvent struct {
	UpdateID     int64              `json:"update_id"`
	Time         time.Time          `json:"time"`
	Action       string             `json:"action"`
	Command      string             `json:"command"`
	UserID       int64              `json:"user_id"`
	Username     string             `json:"username,omitempty"`
	ChatID       int64              `json:"chat_id"`
	PausedBefore bool               `json:"paused_before"`
	PausedAfter  bool               `json:"paused_after"`
	RiskBefore   *config.RiskConfig `json:"risk_before,omitempty"`
	RiskAfter    *config.RiskConfig `json:"risk_after,omitempty"`
}

func (a *App) startOperator(ctx context.Context) {
	if a.cfg == nil || a.alerts == nil || a.log == nil {
		return
	}
	if !a.cfg.Telegram.OperatorEnabled {
		return
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(a.cfg.Telegram.ChatID), 10, 64)
	if err != nil {
		a.log.Warn("telegram operator disabled: invalid chat_id", zap.Error(err))
		return
	}
	pollInterval := a.cfg.Telegram.OperatorPollInterval
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	allowedUsers := make(map[int64]struct{}, len(a.cfg.Telegram.OperatorAllowedUserIDs))
	for _, id := range a.cfg.Telegram.OperatorAllowedUserIDs {
		allowedUsers[id] = struct{}{}
	}
	go a.operatorLoop(ctx, chatID, allowedUsers, pollInterval)
}

func (a *App) operatorLoop(ctx context.Context, chatID int64, allowedUsers map[int64]struct{}, pollInterval time.Duration) {
	offset := a.loadOperatorOffset(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		updates, err := a.alerts.GetUpdates(ctx, offset, pollInterval)
		if err != nil {
			a.logOperatorError(err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
			continue
		}
		if a.operatorWarned {
			a.log.Info("telegram operator recovered")
			a.operatorWarned = false
		}
		for _, upd := range updates {
			if upd.UpdateID >= offset {
				offset = upd.UpdateID + 1
				a.saveOperatorOffset(ctx, offset)
			}
			a.handleOperatorUpdate(ctx, upd, chatID, allowedUsers)
		}
	}
}

func (a *App) handleOperatorUpdate(ctx context.Context, upd alerts.Update, chatID int64, allowedUsers map[int64]struct{}) {
	if upd.Message == nil {
		return
	}
	msg := upd.Message
	if msg.Chat == nil || msg.From == nil {
		return
	}
	if msg.Chat.ID != chatID {
		return
	}
	if len(allowedUsers) > 0 {
		if _, ok := allowedUsers[msg.From.ID]; !ok {
			return
		}
	}
	cmd, args, ok := parseOperatorCommand(msg.Text)
	if !ok {
		return
	}
	meta := operatorMeta{
		UpdateID: upd.UpdateID,
		UserID:   msg.From.ID,
		Username: msg.From.Username,
		ChatID:   msg.Chat.ID,
		Raw:      msg.Text,
	}
	resp, err := a.handleOperatorCommand(ctx, cmd, args, meta)
	if err != nil {
		resp = fmt.Sprintf("command failed: %v", err)
	}
	if resp == "" {
		return
	}
	if err := a.alerts.Send(ctx, resp); err != nil {
		a.log.Warn("operator response failed", zap.Error(err))
	}
}

func parseOperatorCommand(text string) (string, []string, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", nil, false
	}
	if !strings.HasPrefix(trimmed, "/") {
		return "", nil, false
	}
	fields := strings.Fields(trimmed)
	if len(fields) == 0 {
		return "", nil, false
	}
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	return cmd, fields[1:], true
}

func (a *App) handleOperatorCommand(ctx context.Context, cmd string, args []string, meta operatorMeta) (string, error) {
	switch cmd {
	case "status":
		return a.manager.Status(a.now()), nil
	case "pause":
		before := a.manager.IsPaused()
		after := a.manager.SetPaused(true)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "pause",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if !before {
			return "entries paused", nil
		}
		return "entries already paused", nil
	case "resume":
		before := a.manager.IsPaused()
		after := a.manager.SetPaused(false)
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:     meta.UpdateID,
			Time:         time.Now().UTC(),
			Action:       "resume",
			Command:      meta.Raw,
			UserID:       meta.UserID,
			Username:     meta.Username,
			ChatID:       meta.ChatID,
			PausedBefore: before,
			PausedAfter:  after,
		})
		if before {
			return "entries resumed", nil
		}
		return "entries already active", nil
	case "squareoff":
		a.manager.SquareOffNow(ctx, a.now())
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID: meta.UpdateID,
			Time:     time.Now().UTC(),
			Action:   "squareoff",
			Command:  meta.Raw,
			UserID:   meta.UserID,
			Username: meta.Username,
			ChatID:   meta.ChatID,
		})
		return "square-off issued, entries blocked for the day", nil
	case "risk":
		return a.handleRiskCommand(ctx, args, meta)
	case "help":
		return operatorHelpText(), nil
	default:
		return operatorHelpText(), nil
	}
}

func (a *App) handleRiskCommand(ctx context.Context, args []string, meta operatorMeta) (string, error) {
	if len(args) == 0 || strings.EqualFold(args[0], "show") {
		return a.riskStatus(), nil
	}
	switch strings.ToLower(args[0]) {
	case "reset":
		before := a.riskOverrideSnapshot()
		a.clearRiskOverride()
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:   meta.UpdateID,
			Time:       time.Now().UTC(),
			Action:     "risk_reset",
			Command:    meta.Raw,
			UserID:     meta.UserID,
			Username:   meta.Username,
			ChatID:     meta.ChatID,
			RiskBefore: before,
		})
		return "risk override cleared", nil
	case "set":
		overrides, err := parseRiskOverrides(args[1:])
		if err != nil {
			return "", err
		}
		before := a.riskOverrideSnapshot()
		base := a.effectiveRisk()
		next, err := applyRiskOverrides(base, overrides)
		if err != nil {
			return "", err
		}
		if riskConfigsEqual(next, a.cfg.Risk) {
			a.clearRiskOverride()
		} else {
			a.setRiskOverride(next)
		}
		after := a.riskOverrideSnapshot()
		a.auditOperatorEvent(ctx, operatorAuditEvent{
			UpdateID:   meta.UpdateID,
			Time:       time.Now().UTC(),
			Action:     "risk_set",
			Command:    meta.Raw,
			UserID:     meta.UserID,
			Username:   meta.Username,
			ChatID:     meta.ChatID,
			RiskBefore: before,
			RiskAfter:  after,
		})
		return "risk override updated", nil
	default:
		return "", errors.New("unknown risk command: use /risk show|set|reset")
	}
}

func parseRiskOverrides(args []string) (map[string]string, error) {
	if len(args) == 0 {
		return nil, errors.New("risk set requires key=value pairs")
	}
	out := make(map[string]string)
	for _, arg := range args {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid risk setting: %s", arg)
		}
		key := strings.ToLower(strings.TrimSpace(parts[0]))
		val := strings.TrimSpace(parts[1])
		if key == "" || val == "" {
			return nil, fmt.Errorf("invalid risk setting: %s", arg)
		}
		out[key] = val
	}
	return out, nil
}

func applyRiskOverrides(base config.RiskConfig, overrides map[string]string) (config.RiskConfig, error) {
	next := base
	for key, val := range overrides {
		switch key {
		case "max_trades_per_day":
			parsed, err := strconv.Atoi(val)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("max_trades_per_day: %w", err)
			}
			next.MaxTradesPerDay = parsed
		case "max_daily_loss":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("max_daily_loss: %w", err)
			}
			next.MaxDailyLoss = parsed
		case "cooling_off_after_losses":
			parsed, err := strconv.Atoi(val)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("cooling_off_after_losses: %w", err)
			}
			next.CoolingOffAfterLosses = parsed
		case "lock_profit_enabled":
			parsed, err := strconv.ParseBool(val)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("lock_profit_enabled: %w", err)
			}
			next.LockProfitEnabled = parsed
		case "lock_profit_drawdown_frac":
			parsed, err := strconv.ParseFloat(val, 64)
			if err != nil {
				return config.RiskConfig{}, fmt.Errorf("lock_profit_drawdown_frac: %w", err)
			}
			next.LockProfitDrawdownFrac = parsed
		default:
			return config.RiskConfig{}, fmt.Errorf("unknown risk key: %s", key)
		}
	}
	if err := validateRiskOverride(next); err != nil {
		return config.RiskConfig{}, err
	}
	return next, nil
}

func validateRiskOverride(risk config.RiskConfig) error {
	if risk.MaxTradesPerDay <= 0 {
		return errors.New("max_trades_per_day must be > 0")
	}
	if risk.MaxDailyLoss <= 0 {
		return errors.New("max_daily_loss must be > 0")
	}
	if risk.CoolingOffAfterLosses <= 0 {
		return errors.New("cooling_off_after_losses must be > 0")
	}
	if risk.LockProfitDrawdownFrac <= 0 || risk.LockProfitDrawdownFrac >= 1 {
		return errors.New("lock_profit_drawdown_frac must be in (0, 1)")
	}
	return nil
}

func (a *App) riskStatus() string {
	effective := a.effectiveRisk()
	override := a.riskOverrideSnapshot()
	lines := []string{
		fmt.Sprintf("risk effective: max_trades_per_day=%d max_daily_loss=%.2f cooling_off_after_losses=%d lock_profit_enabled=%t lock_profit_drawdown_frac=%.2f",
			effective.MaxTradesPerDay,
			effective.MaxDailyLoss,
			effective.CoolingOffAfterLosses,
			effective.LockProfitEnabled,
			effective.LockProfitDrawdownFrac,
		),
	}
	if override != nil {
		lines = append(lines, "risk override: active")
	} else {
		lines = append(lines, "risk override: none")
	}
	return strings.Join(lines, "\n")
}

func operatorHelpText() string {
	return strings.Join([]string{
		"commands:",
		"/status - current engine status",
		"/pause - pause new entries",
		"/resume - resume new entries",
		"/squareoff - close everything now, block entries for the day",
		"/risk show - show active risk limits",
		"/risk set key=value ... - override limits (keys: max_trades_per_day, max_daily_loss, cooling_off_after_losses, lock_profit_enabled, lock_profit_drawdown_frac)",
		"/risk reset - clear risk override",
	}, "\n")
}

func (a *App) effectiveRisk() config.RiskConfig {
	a.opsMu.RLock()
	override := a.riskOverride
	a.opsMu.RUnlock()
	if override == nil {
		return a.cfg.Risk
	}
	return *override
}

func (a *App) riskOverrideSnapshot() *config.RiskConfig {
	a.opsMu.RLock()
	defer a.opsMu.RUnlock()
	if a.riskOverride == nil {
		return nil
	}
	copy := *a.riskOverride
	return &copy
}

func (a *App) setRiskOverride(risk config.RiskConfig) {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.riskOverride = &risk
}

func (a *App) clearRiskOverride() {
	a.opsMu.Lock()
	defer a.opsMu.Unlock()
	a.riskOverride = nil
}

func (a *App) logOperatorError(err error) {
	if a.log == nil {
		return
	}
	if a.operatorWarned {
		return
	}
	a.operatorWarned = true
	a.log.Warn("telegram operator failed", zap.Error(err))
}

func (a *App) loadOperatorOffset(ctx context.Context) int64 {
	if a.store == nil {
		return 0
	}
	raw, ok, err := a.store.Get(ctx, operatorOffsetKey)
	if err != nil || !ok {
		return 0
	}
	val, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	if val < 0 {
		return 0
	}
	return val
}

func (a *App) saveOperatorOffset(ctx context.Context, offset int64) {
	if a.store == nil {
		return
	}
	_ = a.store.Set(ctx, operatorOffsetKey, strconv.FormatInt(offset, 10))
}

func (a *App) auditOperatorEvent(ctx context.Context, event operatorAuditEvent) {
	if a.store == nil {
		return
	}
	key := fmt.Sprintf("ops:audit:%d:%d", time.Now().UTC().UnixNano(), event.UpdateID)
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	_ = a.store.Set(ctx, key, string(payload))
}

func riskConfigsEqual(aCfg config.RiskConfig, bCfg config.RiskConfig) bool {
	return aCfg.MaxTradesPerDay == bCfg.MaxTradesPerDay &&
		aCfg.MaxDailyLoss == bCfg.MaxDailyLoss &&
		aCfg.CoolingOffAfterLosses == bCfg.CoolingOffAfterLosses &&
		aCfg.LockProfitEnabled == bCfg.LockProfitEnabled &&
		aCfg.LockProfitDrawdownFrac == bCfg.LockProfitDrawdownFrac
}
