package trainer

// Checkpoint is the persisted training state. Latest* fields change every
// epoch; Best* fields only when the validation loss strictly improves.
type Checkpoint struct {
	RunID string

	LatestState []byte
	LatestEpoch int

	BestState []byte
	BestEpoch int
	// BestLoss is the validation loss of BestEpoch. HasBest is false until
	// the first epoch completes.
	BestLoss float64
	HasBest  bool

	// Stale counts consecutive epochs without improvement.
	Stale int

	// Scores of the best model in physical units, filled by the caller
	// after evaluation. The *Full variants include truncated power.
	BestMSE      float64
	BestNMSE     float64
	BestMSEFull  float64
	BestNMSEFull float64
}

// History records per-epoch losses. Both slices have the configured epoch
// budget as length; entries past Epochs stay zero.
type History struct {
	TrainLoss []float64
	ValidLoss []float64
	// Epochs is the number of epochs actually run.
	Epochs int
}

// NewHistory returns a zeroed history for a budget of epochs.
func NewHistory(epochs int) *History {
	return &History{TrainLoss: make([]float64, epochs), ValidLoss: make([]float64, epochs)}
}

// Trimmed returns the losses of the epochs actually run.
func (h *History) Trimmed() (train, valid []float64) {
	return h.TrainLoss[:h.Epochs], h.ValidLoss[:h.Epochs]
}

func (h *History) grow(epochs int) {
	for len(h.TrainLoss) < epochs {
		h.TrainLoss = append(h.TrainLoss, 0)
	}
	for len(h.ValidLoss) < epochs {
		h.ValidLoss = append(h.ValidLoss, 0)
	}
}
