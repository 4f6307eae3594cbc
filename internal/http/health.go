package http

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

const (
	statusAvailable = "available"
	statusDegraded  = "degraded"

	defaultHealthTimeout = 2 * time.Second
)

// DependencyCheck names a dependency and how to check it.
type DependencyCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// DependencyStatus is the per-dependency entry of the health response.
type DependencyStatus struct {
	Healthy bool   `json:"healthy"`
	Error   string `json:"error,omitempty"`
}

// HealthWithDependencies answers 200 when every dependency responds and 503
// with the failing ones marked otherwise.
func HealthWithDependencies(dependencies ...DependencyCheck) fiber.Handler {
	return func(c *fiber.Ctx) error {
		ctx, cancel := context.WithTimeout(c.UserContext(), defaultHealthTimeout)
		defer cancel()

		overallStatus := statusAvailable
		httpStatus := fiber.StatusOK

		statuses := make(map[string]DependencyStatus, len(dependencies))

		for _, dep := range dependencies {
			status := DependencyStatus{Healthy: true}

			if dep.Check != nil {
				if err := dep.Check(ctx); err != nil {
					status = DependencyStatus{Healthy: false, Error: err.Error()}
				}
			}

			if !status.Healthy {
				overallStatus = statusDegraded
				httpStatus = fiber.StatusServiceUnavailable
			}

			statuses[dep.Name] = status
		}

		return c.Status(httpStatus).JSON(fiber.Map{
			"status":       overallStatus,
			"dependencies": statuses,
		})
	}
}
