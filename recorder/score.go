package recorder

import "math"

// ScoreWeights parameterises the deliverability score.
type ScoreWeights struct {
	ReplyWeight    float64
	DeliveryWeight float64
	Baseline       float64
	SpamPenalty    float64 // fraction of Baseline lost per spam landing
	BouncePenalty  float64 // fraction of Baseline lost per bounce
	MoveBonus      float64 // points per message rescued from spam
}

func DefaultScoreWeights() ScoreWeights {
	return ScoreWeights{
		ReplyWeight:    50,
		DeliveryWeight: 30,
		Baseline:       20,
		SpamPenalty:    0.1,
		BouncePenalty:  0.2,
		MoveBonus:      0.5,
	}
}

// Counters are the raw pair aggregates a score is derived from.
type Counters struct {
	TotalSent       int
	DeliveredInbox  int
	RepliesReceived int
	LandedSpam      int
	Bounced         int
	MovedToInbox    int
}

type Score struct {
	Value        int
	ReplyRate    float64
	DeliveryRate float64
}

// RecomputeScore derives the score from counters alone, so replaying the same
// counters always yields the same score.
func RecomputeScore(c Counters, w ScoreWeights) Score {
	var replyRate, deliveryRate float64
	if c.TotalSent > 0 {
		replyRate = float64(c.RepliesReceived) / float64(c.TotalSent)
		deliveryRate = float64(c.DeliveredInbox+c.MovedToInbox) / float64(c.TotalSent)
	}

	baseline := w.Baseline -
		float64(c.LandedSpam)*w.SpamPenalty*w.Baseline -
		float64(c.Bounced)*w.BouncePenalty*w.Baseline
	if baseline < 0 {
		baseline = 0
	}

	raw := replyRate*w.ReplyWeight +
		deliveryRate*w.DeliveryWeight +
		baseline +
		float64(c.MovedToInbox)*w.MoveBonus

	return Score{
		Value:        int(math.Round(clamp(raw, 0, 100))),
		ReplyRate:    replyRate,
		DeliveryRate: deliveryRate,
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
