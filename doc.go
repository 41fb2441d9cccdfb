// Package tally gates rate-limited actions behind a signed session and a
// per-plan usage quota kept in a document store.
//
// Tally is designed as a library. Import it into your Go application, or run
// cmd/tallyd for the HTTP surface. It provides:
//
//   - Session cookies minted from identity provider ID tokens, with revocation
//   - Per-plan quotas checked before work and counted after it succeeds
//   - Fire-and-forget document writes with awaitable handles
//   - A failure bus that routes write errors to logs, metrics and plugins
//   - Stripe webhooks that move a subject between plans idempotently
//
// # Quick Start
//
// Build an engine over a store:
//
//	import (
//	    "github.com/xraph/tally/engine"
//	    "github.com/xraph/tally/store/memory"
//	)
//
//	eng, err := engine.New(memory.New(),
//	    engine.WithSessionSecret(secret),
//	    engine.WithIdentityVerifier(verifier),
//	    engine.WithWebhookSecret(webhookSecret),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer eng.Stop(ctx)
//
// # Core Concepts
//
// Plans set a ceiling per feature. Business is unlimited:
//
//	catalog := tally.NewCatalog(tally.Plan{...})
//
// Sessions are exchanged for an ID token and read back from the cookie:
//
//	sess, cookie, err := eng.Sessions().Exchange(ctx, idToken)
//
// The gate verifies the session, checks the quota, runs the work and counts
// it:
//
//	res := eng.Gate().Run(ctx, cookieValue, tally.FeatureMealPlan, work)
//	if res.OK() {
//	    // res.Remaining is the quota left after this run
//	}
//
// Enforcement is approximate: two runs racing on the last unit may both pass.
// Counters only ever grow, so a subject never regains quota by retrying.
//
// # Errors
//
// Every failure wraps one of the sentinels in this package, so callers
// classify with errors.Is or the IsAuthError, IsQuotaError and IsRetryable
// helpers. Store codes stay on the failure bus and never reach HTTP clients.
//
// # TypeID
//
// Session identifiers, generated document ids and failure events use TypeID:
//
//	sess_01h2xcejqtf2nbrexx3vqjhp41 // Session ID
//	doc_01h2xcejqtf2nbrexx3vqjhp41  // Document ID
//	fail_01h455vb4pex5vsknk084sn02q // Failure ID
package tally
