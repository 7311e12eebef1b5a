// Package logging builds the structured logger used across rulecore.
//
// Components accept a *slog.Logger and scope it with
// .With("component", ...). New wires the handler chosen by configuration:
//
//	logger, err := logging.New(logging.FromConfig(cfg.Logging, os.Stderr))
//	if err != nil {
//		return err
//	}
//	slog.SetDefault(logger)
//
// The engine stores each pass's correlation id in the context with
// WithCorrelationID; records logged with that context carry it as the
// correlation_id attribute. With RedactPII set, emails, phone numbers, IBANs
// and secret-looking keys are masked before records are written.
package logging
