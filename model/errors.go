package model

import "errors"

var (
	// ErrStaleReading is returned when a reading is not newer than the stored
	// state for the same tank.
	ErrStaleReading = errors.New("stale reading")

	// ErrDuplicateReading is returned when a reading repeats the stored one
	// exactly. Callers may treat it as success.
	ErrDuplicateReading = errors.New("duplicate reading")

	// ErrForecastUnavailable is returned by the forecast adapter on timeout,
	// transport error or malformed reply.
	ErrForecastUnavailable = errors.New("forecast unavailable")

	// ErrGatewayUnreachable is returned when the actuation gateway cannot be
	// reached at all.
	ErrGatewayUnreachable = errors.New("actuation gateway unreachable")

	// ErrPlanInfeasible is returned when no redirection satisfies the topology
	// constraints for an urgent source.
	ErrPlanInfeasible = errors.New("plan infeasible")

	// ErrCommandTimedOut marks a valve command that exhausted its retries on
	// timeouts.
	ErrCommandTimedOut = errors.New("valve command timed out")

	// ErrCommandFailed marks a valve command that was rejected or could not
	// be confirmed.
	ErrCommandFailed = errors.New("valve command failed")

	// ErrValveBusy is returned when a command targets a valve that already has
	// a command in flight.
	ErrValveBusy = errors.New("valve has a command in flight")

	// ErrInvalidTransition is returned for illegal ValveCommand status changes.
	ErrInvalidTransition = errors.New("invalid command status transition")

	// ErrInvalidInput marks readings, signals and intents rejected by
	// validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnknownTank is returned when a tank is not part of the topology.
	ErrUnknownTank = errors.New("unknown tank")

	// ErrUnknownValve is returned when a valve is not part of the topology.
	ErrUnknownValve = errors.New("unknown valve")
)
