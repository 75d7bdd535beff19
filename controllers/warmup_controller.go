package controller

import (
	"context"
	"errors"
	"strings"

	"mailwarm/models"
	"mailwarm/queue"
	"mailwarm/ratelimit"
	"mailwarm/recorder"
	"mailwarm/registry"
	"mailwarm/utils"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

const (
	ErrInvalidAccountID     = "invalid account ID"
	ErrAccountNotFound      = "account not found"
	ErrWarmupAlreadyRunning = "warmup is already running for this account"
	ErrWarmupNotRunning     = "warmup is not running for this account"
	ErrInvalidRequestBody   = "invalid request body"
	ErrMessageIDRequired    = "message ID is required"
	ErrMessageNotFound      = "no warmup exchange with this message ID"
)

// EventAccountStatus is published when a user pauses or resumes an account.
const EventAccountStatus = "account.status"

// WarmupController exposes per-account warmup control and reporting.
type WarmupController struct {
	accounts  registry.AccountStore
	jobs      *queue.JobStore
	recorder  *recorder.Recorder
	publisher recorder.Publisher
	log       *logrus.Entry
}

func NewWarmupController(accounts registry.AccountStore, jobs *queue.JobStore, rec *recorder.Recorder, publisher recorder.Publisher, log *logrus.Entry) *WarmupController {
	return &WarmupController{
		accounts:  accounts,
		jobs:      jobs,
		recorder:  rec,
		publisher: publisher,
		log:       log,
	}
}

type replyRequest struct {
	MessageID string `json:"message_id"`
}

// GetStatus reports the account's ramp position and today's quota.
func (wc *WarmupController) GetStatus(c *fiber.Ctx) error {
	account, err := wc.loadAccount(c)
	if account == nil {
		return err
	}
	return wc.statusResponse(c, account)
}

// StartWarmup moves a paused or newly connected account to active.
func (wc *WarmupController) StartWarmup(c *fiber.Ctx) error {
	account, err := wc.loadAccount(c)
	if account == nil {
		return err
	}
	if account.WarmupStatus == models.WarmupActive {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, ErrWarmupAlreadyRunning, nil)
	}
	return wc.transition(c, account, models.WarmupActive)
}

// PauseWarmup stops the scheduler from picking the account. Jobs already
// queued for it are dropped by the worker.
func (wc *WarmupController) PauseWarmup(c *fiber.Ctx) error {
	account, err := wc.loadAccount(c)
	if account == nil {
		return err
	}
	if account.WarmupStatus != models.WarmupActive {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, ErrWarmupNotRunning, nil)
	}
	return wc.transition(c, account, models.WarmupPaused)
}

// UpdateSettings replaces the ramp-up curve.
func (wc *WarmupController) UpdateSettings(c *fiber.Ctx) error {
	account, err := wc.loadAccount(c)
	if account == nil {
		return err
	}

	var ramp registry.Ramp
	if err := c.BodyParser(&ramp); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, ErrInvalidRequestBody, err)
	}
	if err := utils.ValidateStruct(ramp); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, "validation failed", err)
	}

	if err := wc.accounts.UpdateRamp(c.UserContext(), account.ID, ramp); err != nil {
		return wc.storeError(c, "update_ramp", account.ID, err)
	}

	wc.log.WithFields(logrus.Fields{
		"account_id": account.ID,
		"start":      ramp.StartEmailsPerDay,
		"increase":   ramp.IncreaseEmailsPerDay,
		"max":        ramp.MaxEmailsPerDay,
	}).Info("Warmup settings updated")

	updated, err := wc.accounts.GetAccount(c.UserContext(), account.ID)
	if err != nil {
		return wc.storeError(c, "get_account", account.ID, err)
	}
	return wc.statusResponse(c, updated)
}

// GetMetrics lists the account's per-receiver exchange metrics.
func (wc *WarmupController) GetMetrics(c *fiber.Ctx) error {
	account, err := wc.loadAccount(c)
	if account == nil {
		return err
	}

	rows, err := wc.recorder.MetricsForSender(c.UserContext(), account.Email)
	if err != nil {
		utils.LogError("metrics_query", err, map[string]interface{}{"account_id": account.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "failed to load metrics", nil)
	}

	var totalSent, replies int
	for _, m := range rows {
		totalSent += m.TotalSent
		replies += m.RepliesReceived
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"account_id": account.ID,
		"email":      account.Email,
		"total_sent": totalSent,
		"replies":    replies,
		"pairs":      rows,
	}))
}

// RecordReply counts a reply to a delivered warmup message once.
func (wc *WarmupController) RecordReply(c *fiber.Ctx) error {
	var req replyRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, ErrInvalidRequestBody, err)
	}
	messageID := strings.TrimSpace(req.MessageID)
	if messageID == "" {
		return utils.ErrorResponse(c, fiber.StatusBadRequest, ErrMessageIDRequired, nil)
	}

	counted, err := wc.recorder.RecordReply(c.UserContext(), messageID)
	if err != nil {
		if errors.Is(err, recorder.ErrRecordNotFound) {
			return utils.ErrorResponse(c, fiber.StatusNotFound, ErrMessageNotFound, nil)
		}
		utils.LogError("record_reply", err, map[string]interface{}{"message_id": messageID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "failed to record reply", nil)
	}

	return c.JSON(utils.SuccessResponse(fiber.Map{
		"message_id": messageID,
		"counted":    counted,
	}))
}

func (wc *WarmupController) transition(c *fiber.Ctx, account *models.WarmupAccount, to models.WarmupStatus) error {
	from := account.WarmupStatus
	if err := wc.accounts.SetStatus(c.UserContext(), account.ID, to); err != nil {
		return wc.storeError(c, "set_status", account.ID, err)
	}
	account.WarmupStatus = to

	utils.LogEvent("warmup_status_changed", map[string]interface{}{
		"account_id": account.ID,
		"from":       from,
		"to":         to,
	})
	if wc.publisher != nil {
		wc.publisher.Publish(EventAccountStatus, map[string]interface{}{
			"account_id": account.ID,
			"sender":     account.Email,
			"status":     to,
		})
	}
	return wc.statusResponse(c, account)
}

func (wc *WarmupController) statusResponse(c *fiber.Ctx, account *models.WarmupAccount) error {
	jobs, err := wc.jobs.CountByStatus(c.UserContext(), account.ID)
	if err != nil {
		utils.LogError("job_count", err, map[string]interface{}{"account_id": account.ID})
		return utils.ErrorResponse(c, fiber.StatusInternalServerError, "failed to load jobs", nil)
	}

	account.Sanitize()
	return c.JSON(utils.SuccessResponse(fiber.Map{
		"account":          account,
		"warmup_status":    account.WarmupStatus,
		"warmup_day_count": account.WarmupDayCount,
		"daily_limit":      ratelimit.EffectiveDailyLimit(account),
		"sent_today":       account.CurrentDaySent,
		"remaining_today":  ratelimit.Remaining(account),
		"jobs":             jobs,
	}))
}

// loadAccount resolves :id. On a nil account the response is already written
// and the returned error is the handler's result.
func (wc *WarmupController) loadAccount(c *fiber.Ctx) (*models.WarmupAccount, error) {
	id := utils.ParseUint(c.Params("id"))
	if id == 0 {
		return nil, utils.ErrorResponse(c, fiber.StatusBadRequest, ErrInvalidAccountID, nil)
	}
	account, err := wc.accounts.GetAccount(c.UserContext(), id)
	if err != nil {
		return nil, wc.storeError(c, "get_account", id, err)
	}
	return account, nil
}

func (wc *WarmupController) storeError(c *fiber.Ctx, op string, id uint, err error) error {
	if errors.Is(err, registry.ErrAccountNotFound) {
		return utils.ErrorResponse(c, fiber.StatusNotFound, ErrAccountNotFound, nil)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	utils.LogError(op, err, map[string]interface{}{"account_id": id})
	return utils.ErrorResponse(c, fiber.StatusInternalServerError, "internal server error", nil)
}
