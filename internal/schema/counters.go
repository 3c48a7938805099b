package schema

import (
	"github.com/campaignkit/metricspipe/errs"
)

// CounterSet holds the named non-negative counters of one metrics document.
// Every field is monotonically non-decreasing for the lifetime of the
// document: counters change only through additive deltas, never by absolute
// overwrite.
type CounterSet struct {
	TotalImportedLeads      int64 `json:"totalImportedLeads"`
	TotalQueued             int64 `json:"totalQueued"`
	TotalEmailsSent         int64 `json:"totalEmailsSent"`
	TotalBounces            int64 `json:"totalBounces"`
	TotalHardBounces        int64 `json:"totalHardBounces"`
	TotalSoftBounces        int64 `json:"totalSoftBounces"`
	TotalComplaints         int64 `json:"totalComplaints"`
	TotalDelivered          int64 `json:"totalDelivered"`
	TotalOpens              int64 `json:"totalOpens"`
	TotalUniqueOpens        int64 `json:"totalUniqueOpens"`
	TotalClicks             int64 `json:"totalClicks"`
	TotalUniqueClicks       int64 `json:"totalUniqueClicks"`
	TotalRejected           int64 `json:"totalRejected"`
	TotalDelayed            int64 `json:"totalDelayed"`
	TotalUnsubscribes       int64 `json:"totalUnsubscribes"`
	TotalVerificationPassed int64 `json:"totalVerificationPassed"`
	TotalVerificationFailed int64 `json:"totalVerificationFailed"`
	TotalSkipped            int64 `json:"totalSkipped"`
	TotalErrors             int64 `json:"totalErrors"`
	TotalCreditsUsed        int64 `json:"totalCreditsUsed"`
}

// Delta is a sparse set of counter increments. A zero field leaves the
// corresponding counter unchanged; a delta is applied in full or not at all.
type Delta CounterSet

// Add returns the field-wise sum of the counter set and the delta.
func (c CounterSet) Add(d Delta) CounterSet {
	c.TotalImportedLeads += d.TotalImportedLeads
	c.TotalQueued += d.TotalQueued
	c.TotalEmailsSent += d.TotalEmailsSent
	c.TotalBounces += d.TotalBounces
	c.TotalHardBounces += d.TotalHardBounces
	c.TotalSoftBounces += d.TotalSoftBounces
	c.TotalComplaints += d.TotalComplaints
	c.TotalDelivered += d.TotalDelivered
	c.TotalOpens += d.TotalOpens
	c.TotalUniqueOpens += d.TotalUniqueOpens
	c.TotalClicks += d.TotalClicks
	c.TotalUniqueClicks += d.TotalUniqueClicks
	c.TotalRejected += d.TotalRejected
	c.TotalDelayed += d.TotalDelayed
	c.TotalUnsubscribes += d.TotalUnsubscribes
	c.TotalVerificationPassed += d.TotalVerificationPassed
	c.TotalVerificationFailed += d.TotalVerificationFailed
	c.TotalSkipped += d.TotalSkipped
	c.TotalErrors += d.TotalErrors
	c.TotalCreditsUsed += d.TotalCreditsUsed
	return c
}

// IsZero reports whether the delta increments nothing.
func (d Delta) IsZero() bool {
	return d == Delta{}
}

// Validate rejects negative increments; counters only ever grow.
func (d Delta) Validate() error {
	for _, v := range []int64{
		d.TotalImportedLeads, d.TotalQueued, d.TotalEmailsSent,
		d.TotalBounces, d.TotalHardBounces, d.TotalSoftBounces,
		d.TotalComplaints, d.TotalDelivered, d.TotalOpens, d.TotalUniqueOpens,
		d.TotalClicks, d.TotalUniqueClicks, d.TotalRejected, d.TotalDelayed,
		d.TotalUnsubscribes, d.TotalVerificationPassed, d.TotalVerificationFailed,
		d.TotalSkipped, d.TotalErrors, d.TotalCreditsUsed,
	} {
		if v < 0 {
			return errs.New("schema/delta", errs.CodeInvalid, errs.WithMessage("delta increments must be non-negative"))
		}
	}
	return nil
}
