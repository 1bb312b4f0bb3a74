package ledger

import "github.com/cuongbtq/longtext-translator/internal/domain"

// Pricing turns a character count into credits
type Pricing struct {
	CharsPerCredit int                     `yaml:"chars_per_credit"`
	MinimumCredits int64                   `yaml:"minimum_credits"`
	FreeCharacters map[domain.UserTier]int `yaml:"free_characters"`
}

// DefaultPricing charges one credit per started 100 characters after the tier's free allowance
func DefaultPricing() Pricing {
	return Pricing{
		CharsPerCredit: 100,
		MinimumCredits: 1,
		FreeCharacters: map[domain.UserTier]int{
			domain.UserTierFree: 500,
			domain.UserTierPro:  0,
		},
	}
}

// CalculateCredits is the only place a job's cost is computed.
// The tier's free characters are subtracted first; a job entirely inside the allowance costs 0.
func CalculateCredits(chars int, tier domain.UserTier, p Pricing) int64 {
	billable := chars - p.FreeCharacters[tier]
	if billable <= 0 {
		return 0
	}

	perCredit := p.CharsPerCredit
	if perCredit <= 0 {
		perCredit = 1
	}

	credits := int64((billable + perCredit - 1) / perCredit)
	if credits < p.MinimumCredits {
		credits = p.MinimumCredits
	}
	return credits
}

// Consumed is the part of reserved kept when a job ends in status with succeeded of total chunks
func Consumed(reserved int64, status domain.JobStatus, succeeded, total int) int64 {
	switch status {
	case domain.JobStatusCompleted:
		return reserved
	case domain.JobStatusPartialSuccess, domain.JobStatusCancelled:
		if total <= 0 || succeeded <= 0 {
			return 0
		}
		if succeeded >= total {
			return reserved
		}
		return reserved * int64(succeeded) / int64(total)
	default:
		return 0
	}
}
