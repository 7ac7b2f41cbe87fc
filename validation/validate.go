// Package validation implements the stateless header validation rules: proof
// of work, difficulty retargeting, timestamp bounds and checkpoint
// conformance. All functions are pure given a view of the candidate header's
// ancestry and the network consensus parameters.
package validation

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/wire"
)

const (
	// DefaultMaxTimeOffset is the maximum duration a header timestamp is
	// allowed to be ahead of the adjusted local time.
	DefaultMaxTimeOffset = 2 * time.Hour

	// medianTimeBlocks is the number of most recent ancestors whose
	// timestamps form the window used to calculate the median time past.
	medianTimeBlocks = 11
)

// HeaderView provides read access to the ancestry a candidate header builds
// on. It is satisfied by the chain tree's node type.
type HeaderView interface {
	// Height is the height of this header in the chain.
	Height() int32

	// Header returns a copy of the block header this view wraps.
	Header() wire.BlockHeader

	// AncestorHeader returns the header of the ancestor on this view's
	// branch at the given height.
	AncestorHeader(height int32) (*wire.BlockHeader, error)
}

// Config houses the consensus parameters the Checker needs. The retarget
// bounds and checkpoint set are chain-specific and always supplied by the
// caller, never derived here.
type Config struct {
	// Params is the set of consensus parameters of the target network.
	Params *chaincfg.Params

	// TimeSource provides the network-adjusted notion of "now" used for
	// the future timestamp bound.
	TimeSource blockchain.MedianTimeSource

	// MaxTimeOffset overrides DefaultMaxTimeOffset when non-zero.
	MaxTimeOffset time.Duration
}

// Checker validates candidate block headers against their parent chain.
type Checker struct {
	cfg Config

	maxTimeOffset       time.Duration
	blocksPerRetarget   int32 // target timespan / target time per block
	minRetargetTimespan int64 // target timespan / adjustment factor
	maxRetargetTimespan int64 // target timespan * adjustment factor
}

// NewChecker constructs a Checker for the given configuration.
func NewChecker(cfg Config) *Checker {
	targetTimespan := int64(cfg.Params.TargetTimespan / time.Second)
	targetTimePerBlock := int64(cfg.Params.TargetTimePerBlock / time.Second)
	adjustmentFactor := cfg.Params.RetargetAdjustmentFactor

	maxOffset := cfg.MaxTimeOffset
	if maxOffset == 0 {
		maxOffset = DefaultMaxTimeOffset
	}

	return &Checker{
		cfg:                 cfg,
		maxTimeOffset:       maxOffset,
		blocksPerRetarget:   int32(targetTimespan / targetTimePerBlock),
		minRetargetTimespan: targetTimespan / adjustmentFactor,
		maxRetargetTimespan: targetTimespan * adjustmentFactor,
	}
}

// BlocksPerRetarget returns the length of a difficulty adjustment interval in
// blocks.
func (c *Checker) BlocksPerRetarget() int32 {
	return c.blocksPerRetarget
}

// CheckBlockHeader validates the given header against the chain ending at
// prev. A nil prev means the header claims to follow the genesis position and
// only the proof of work and timestamp bounds apply. All failures are
// RuleErrors.
func (c *Checker) CheckBlockHeader(header *wire.BlockHeader,
	prev HeaderView) error {

	// The header must carry exactly the difficulty the retarget schedule
	// requires at its position.
	required, err := c.CalcNextRequiredDifficulty(prev, header.Timestamp)
	if err != nil {
		return err
	}
	if header.Bits != required {
		return ruleError(ErrBadDifficultyAdjustment, fmt.Sprintf(
			"header has difficulty bits %08x, required %08x",
			header.Bits, required))
	}

	// Check the proof of work against the required target by handing the
	// target in as the limit for a stub block wrapping this header.
	stubBlock := btcutil.NewBlock(&wire.MsgBlock{Header: *header})
	err = blockchain.CheckProofOfWork(
		stubBlock, blockchain.CompactToBig(required),
	)
	if err != nil {
		return ruleError(ErrInsufficientWork, err.Error())
	}

	// The timestamp must be strictly after the median time of the recent
	// ancestor window and not too far ahead of the adjusted clock.
	if prev != nil {
		medianTime, err := c.medianTimePast(prev)
		if err != nil {
			return err
		}
		if !header.Timestamp.After(medianTime) {
			return ruleError(ErrTimestampOutOfRange, fmt.Sprintf(
				"header timestamp %v is not after median "+
					"time %v", header.Timestamp,
				medianTime))
		}
	}

	maxTimestamp := c.cfg.TimeSource.AdjustedTime().Add(c.maxTimeOffset)
	if header.Timestamp.After(maxTimestamp) {
		return ruleError(ErrTimestampOutOfRange, fmt.Sprintf(
			"header timestamp %v is too far in the future",
			header.Timestamp))
	}

	// Finally the header must agree with any pinned checkpoint at its
	// height.
	height := int32(0)
	if prev != nil {
		height = prev.Height() + 1
	}
	return c.checkCheckpointConformance(height, header)
}

// checkCheckpointConformance rejects a header that lands on a checkpoint
// height with a hash other than the pinned one.
func (c *Checker) checkCheckpointConformance(height int32,
	header *wire.BlockHeader) error {

	for i := range c.cfg.Params.Checkpoints {
		checkpoint := &c.cfg.Params.Checkpoints[i]
		if checkpoint.Height != height {
			continue
		}

		hash := header.BlockHash()
		if !hash.IsEqual(checkpoint.Hash) {
			return ruleError(ErrCheckpointMismatch, fmt.Sprintf(
				"header at height %d has hash %v which does "+
					"not match checkpoint hash %v", height,
				hash, checkpoint.Hash))
		}
		break
	}

	return nil
}

// medianTimePast calculates the median time of the last few headers ending
// with the given view.
func (c *Checker) medianTimePast(prev HeaderView) (time.Time, error) {
	timestamps := make([]int64, 0, medianTimeBlocks)

	height := prev.Height()
	for i := 0; i < medianTimeBlocks && height-int32(i) >= 0; i++ {
		header, err := prev.AncestorHeader(height - int32(i))
		if err != nil {
			return time.Time{}, ruleError(ErrUnknownAncestor,
				fmt.Sprintf("unable to fetch ancestor at "+
					"height %d: %v", height-int32(i), err))
		}
		timestamps = append(timestamps, header.Timestamp.Unix())
	}

	sort.Slice(timestamps, func(i, j int) bool {
		return timestamps[i] < timestamps[j]
	})

	return time.Unix(timestamps[len(timestamps)/2], 0), nil
}

// CalcNextRequiredDifficulty calculates the required difficulty for the block
// after the chain ending at prev based on the difficulty retarget rules. A
// nil prev yields the proof of work limit (genesis position).
func (c *Checker) CalcNextRequiredDifficulty(prev HeaderView,
	newBlockTime time.Time) (uint32, error) {

	if prev == nil {
		return c.cfg.Params.PowLimitBits, nil
	}

	prevHeader := prev.Header()

	// Return the previous block's difficulty requirements if this block
	// is not at a difficulty retarget interval.
	if (prev.Height()+1)%c.blocksPerRetarget != 0 {
		// For networks that support it, allow special reduction of the
		// required difficulty once too much time has elapsed without
		// mining a block.
		if c.cfg.Params.ReduceMinDifficulty {
			// Return minimum difficulty when more than the desired
			// amount of time has elapsed without mining a block.
			reductionTime := int64(
				c.cfg.Params.MinDiffReductionTime /
					time.Second)
			allowMinTime := prevHeader.Timestamp.Unix() +
				reductionTime
			if newBlockTime.Unix() > allowMinTime {
				return c.cfg.Params.PowLimitBits, nil
			}

			// The block was mined within the desired timeframe, so
			// return the difficulty for the last block which did
			// not have the special minimum difficulty rule
			// applied.
			return c.findPrevMinDiffExemptBits(prev)
		}

		// For the main network (or any unrecognized networks), simply
		// return the previous block's difficulty requirements.
		return prevHeader.Bits, nil
	}

	// Get the header at the start of the retarget interval that is now
	// ending.
	firstHeader, err := prev.AncestorHeader(
		prev.Height() + 1 - c.blocksPerRetarget,
	)
	if err != nil {
		return 0, ruleError(ErrUnknownAncestor, fmt.Sprintf(
			"unable to fetch retarget interval start: %v", err))
	}

	// Limit the amount of adjustment that can occur to the previous
	// difficulty.
	actualTimespan := prevHeader.Timestamp.Unix() -
		firstHeader.Timestamp.Unix()
	adjustedTimespan := actualTimespan
	if actualTimespan < c.minRetargetTimespan {
		adjustedTimespan = c.minRetargetTimespan
	} else if actualTimespan > c.maxRetargetTimespan {
		adjustedTimespan = c.maxRetargetTimespan
	}

	// Calculate new target difficulty as:
	//  currentDifficulty * (adjustedTimespan / targetTimespan)
	// The result uses integer division which means it will be slightly
	// rounded down.
	oldTarget := blockchain.CompactToBig(prevHeader.Bits)
	newTarget := new(big.Int).Mul(oldTarget, big.NewInt(adjustedTimespan))
	targetTimeSpan := int64(c.cfg.Params.TargetTimespan / time.Second)
	newTarget.Div(newTarget, big.NewInt(targetTimeSpan))

	// Limit new value to the proof of work limit.
	if newTarget.Cmp(c.cfg.Params.PowLimit) > 0 {
		newTarget.Set(c.cfg.Params.PowLimit)
	}

	return blockchain.BigToCompact(newTarget), nil
}

// findPrevMinDiffExemptBits returns the difficulty of the most recent
// ancestor which did not have the special minimum difficulty rule applied.
func (c *Checker) findPrevMinDiffExemptBits(prev HeaderView) (uint32, error) {
	// Search backwards through the chain for the last block without the
	// special rule applied.
	iterHeight := prev.Height()
	for iterHeight > 0 && iterHeight%c.blocksPerRetarget != 0 {
		header, err := prev.AncestorHeader(iterHeight)
		if err != nil {
			return 0, ruleError(ErrUnknownAncestor, fmt.Sprintf(
				"unable to fetch ancestor at height %d: %v",
				iterHeight, err))
		}
		if header.Bits != c.cfg.Params.PowLimitBits {
			return header.Bits, nil
		}
		iterHeight--
	}

	if iterHeight >= 0 {
		header, err := prev.AncestorHeader(iterHeight)
		if err == nil && header.Bits != c.cfg.Params.PowLimitBits {
			return header.Bits, nil
		}
	}

	// Return the minimum difficulty if no appropriate block was found.
	return c.cfg.Params.PowLimitBits, nil
}
