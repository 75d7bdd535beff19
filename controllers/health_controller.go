package controller

import (
	"time"

	"mailwarm/utils"

	"github.com/gofiber/fiber/v2"
)

// LoopStatus is what the health check reads from a supervised loop.
type LoopStatus interface {
	Name() string
	Running() bool
	Restarts() int64
}

type HealthController struct {
	scheduler LoopStatus
	consumer  LoopStatus
	others    []LoopStatus
	started   time.Time
	version   string
}

func NewHealthController(version string, started time.Time, scheduler, consumer LoopStatus, others ...LoopStatus) *HealthController {
	return &HealthController{
		scheduler: scheduler,
		consumer:  consumer,
		others:    others,
		started:   started,
		version:   version,
	}
}

// Health answers 503 while the scheduler or consumer loop is down.
func (hc *HealthController) Health(c *fiber.Ctx) error {
	uptime := time.Since(hc.started)

	loops := fiber.Map{}
	for _, l := range append([]LoopStatus{hc.scheduler, hc.consumer}, hc.others...) {
		loops[l.Name()] = fiber.Map{
			"status":   runState(l),
			"restarts": l.Restarts(),
		}
	}

	healthy := hc.scheduler.Running() && hc.consumer.Running()
	status, code := "ok", fiber.StatusOK
	if !healthy {
		status, code = "degraded", fiber.StatusServiceUnavailable
	}

	return c.Status(code).JSON(fiber.Map{
		"status":            status,
		"version":           hc.version,
		"scheduler":         runState(hc.scheduler),
		"consumer":          runState(hc.consumer),
		"consumer_restarts": hc.consumer.Restarts(),
		"uptime":            utils.FormatDuration(uptime),
		"uptime_seconds":    int64(uptime.Seconds()),
		"loops":             loops,
	})
}

func runState(l LoopStatus) string {
	if l.Running() {
		return "running"
	}
	return "stopped"
}
