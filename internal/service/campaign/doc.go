// Package campaign implements the campaign delivery pipeline.
//
// The service turns "send this campaign" into a durable ledger of
// per-recipient sends and a rate-limited stream of channel jobs:
//
//   - GenerateSendList / PopulateSendListPage stream the recipient set into
//     the send ledger in bounded chunks, tracking population progress in Redis.
//   - EnqueueSends scans the ledger for ready rows under a per-campaign lock
//     and fans them out as channel jobs, then fails sends that have been
//     throttled for too long.
//   - UpdateState derives the campaign's lifecycle state from ledger
//     aggregates and writes back only when something changed.
//
// Lifecycle writes are compare-and-set against the state that was read, so
// an abort always wins over a generation run or a reconcile that started
// before it.
//
// It depends on repository interfaces defined in this package and should
// never import from api/ or worker/.
//
// Repository implementations live in repository/postgres/.
package campaign
