package txn

// Metric keys logged by the journal and op-state stores
const (
	MetricJournalAppend   = "txn.journal.append"
	MetricJournalTornTail = "txn.journal.torn_tail"
	MetricJournalRemoved  = "txn.journal.removed"
	MetricOpStateCreated  = "txn.opstate.created"
	MetricOpStateSaved    = "txn.opstate.saved"
	MetricOpStateRemoved  = "txn.opstate.removed"
	MetricScanTotal       = "txn.scan.total"
	MetricScanActive      = "txn.scan.active_count"
	MetricScanOrphaned    = "txn.scan.orphaned_count"
	MetricScanMissing     = "txn.scan.missing_journal"
)
