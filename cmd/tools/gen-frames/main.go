// Command gen-frames generates a synthetic calibration bundle for
// exercising the pipeline without a telescope.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/ridgeline-obs/calwatch/internal/frame"
)

const (
	rawNX = 1124 // 1024 data columns + gap + 92 overscan columns
	rawNY = 1056 // 1024 data rows + edge trim
)

var (
	dataSec = frame.Rect{X0: 0, X1: 1024, Y0: 16, Y1: 1040}
	biasSec = frame.Rect{X0: 1032, X1: 1124, Y0: 16, Y1: 1040}
)

func main() {
	output := flag.String("o", "sample.cal.gz", "output path")
	instrument := flag.String("instrument", "imager", "instrument name")
	night := flag.String("night", time.Now().UTC().Format("20060102")+"a", "night designation")
	nBias := flag.Int("bias", 11, "number of bias frames")
	nFlat := flag.Int("flats", 3, "number of dome flats per filter")
	seed := flag.Int64("seed", 42, "random seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))
	start := time.Now().UTC().Add(-12 * time.Hour)
	obs := 1

	var frames []frame.RawFrame
	for i := 0; i < *nBias; i++ {
		frames = append(frames, synthFrame(rng, *instrument, frame.Bias, "", obs, start, 0))
		obs++
	}
	for _, filter := range []string{"U", "B", "V", "R", "I"} {
		for i := 0; i < *nFlat; i++ {
			frames = append(frames, synthFrame(rng, *instrument, frame.DomeFlat, filter, obs, start, 6))
			obs++
		}
	}

	f, err := os.Create(*output)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *output, err)
	}
	defer f.Close()
	b := &frame.Bundle{Instrument: *instrument, Night: *night, Frames: frames}
	if err := frame.WriteBundle(f, b); err != nil {
		log.Fatalf("failed to write bundle: %v", err)
	}
	log.Printf("✓ Created: %s (%d frames)", *output, len(frames))
}

// synthFrame builds one raw frame: overscan pedestal plus read noise,
// and for flats a mild illumination gradient on top of the lamp level.
func synthFrame(rng *rand.Rand, instrument string, ft frame.FrameType, filter string, obs int, start time.Time, exptime float64) frame.RawFrame {
	const (
		pedestal  = 480.0
		readNoise = 3.5
		lampLevel = 21000.0
	)

	im := frame.NewImage(rawNY, rawNX)
	for y := 0; y < rawNY; y++ {
		for x := 0; x < rawNX; x++ {
			v := pedestal + rng.NormFloat64()*readNoise
			if ft != frame.Bias && x < biasSec.X0 {
				// Illumination falls off a few percent toward the edges.
				cx := float64(x-512) / 512
				cy := float64(y-528) / 528
				v += lampLevel * (1 - 0.02*(cx*cx+cy*cy))
			}
			im.Set(y, x, v)
		}
	}

	hdr := frame.Header{
		DateObs:     start.Add(time.Duration(obs) * time.Minute),
		Instrument:  instrument,
		FrameType:   ft,
		ObsNumber:   obs,
		Filename:    fmt.Sprintf("%s.%04d.gz", start.Format("20060102"), obs),
		Binning:     "1x1",
		Filter:      filter,
		NumAmp:      1,
		AmpID:       "A",
		ExpTime:     exptime,
		MountTemp:   4.5 + rng.Float64(),
		AmbientTemp: 2.0 + rng.Float64(),
		DataSec:     dataSec,
		BiasSec:     biasSec,
	}
	if ft == frame.DomeFlat || ft == frame.SkyFlat {
		hdr.Mechanisms = map[string]any{
			"rc1pos_x": 120.0, "rc1pos_y": 48.0,
			"rc2pos_x": 120.0, "rc2pos_y": 48.0,
			"icpos":    1.0,
			"fmpos_a":  0.0, "fmpos_b": 0.0, "fmpos_c": 0.0, "fmpos_d": 0.0,
		}
	}
	return frame.RawFrame{Header: hdr, Image: im}
}
