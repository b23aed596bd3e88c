// Package murray implements a Discord bot that answers Formula 1 questions
// grounded in official FIA documents.
//
// Murray has two halves. A background sync engine polls the FIA document
// site for newly published decision and regulation PDFs, downloads them,
// deduplicates against a persisted ledger, and pushes new content into an
// AnythingLLM workspace. A chat relay watches a configured Discord channel
// and forwards user questions to the same workspace (or to an
// OpenAI-compatible chat backend), posting the answer back in chunks that
// fit Discord's message limit.
//
// Key components of the package include:
//
//   - Murray: The main struct that wires the bot's core functionality.
//   - SourceClient: Fetches and parses the FIA document listing, and
//     downloads individual documents.
//   - Ledger: Persisted record of which documents have been fetched and
//     indexed, backed by GORM.
//   - Syncer: The polling loop that reconciles the source listing against
//     the ledger and drives fetching and indexing.
//   - Workspace: AnythingLLM client used both for indexing documents and
//     for answering chat queries.
//   - Discord: Handles the Discord session and channel message relay.
//   - API: A small admin HTTP API for health checks, ledger inspection and
//     manually triggering a sync cycle.
//
// The package is designed so the sync engine is the only component with a
// control loop and retry policy; everything else is a thin client around an
// external service.
package murray
