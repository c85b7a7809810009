package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/api"
	"github.com/warp/attendance-engine/policy"
	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/proximity"
)

var (
	verdictLat        float64
	verdictLng        float64
	verdictAccuracy   float64
	verdictClass      string
	verdictClient     string
	verdictFacilities string
	verdictPolicy     string
	verdictCheckout   bool
)

var verdictCmd = &cobra.Command{
	Use:   "verdict",
	Short: "Evaluate a position against a facility file",
	Long: `Prints the proximity verdict for one position as JSON: eligibility,
every facility with its distance and effective radius, the accuracy tier
and where the tolerance came from. Nothing is recorded.`,
	RunE: runVerdict,
}

func init() {
	f := verdictCmd.Flags()
	f.Float64Var(&verdictLat, "lat", 0, "Latitude in degrees")
	f.Float64Var(&verdictLng, "lng", 0, "Longitude in degrees")
	f.Float64Var(&verdictAccuracy, "accuracy", 0, "Reported accuracy radius in meters")
	f.StringVar(&verdictClass, "device-class", "mobile", "mobile, tablet, laptop or desktop")
	f.StringVar(&verdictClient, "client", "", "Client key for the per-client tolerance table")
	f.StringVar(&verdictFacilities, "facilities", "", "Facility YAML file")
	f.StringVar(&verdictPolicy, "policy", "", "Policy YAML file (default policy if empty)")
	f.BoolVar(&verdictCheckout, "checkout", false, "Use the check-out tolerance")

	_ = verdictCmd.MarkFlagRequired("lat")
	_ = verdictCmd.MarkFlagRequired("lng")
	_ = verdictCmd.MarkFlagRequired("accuracy")
	_ = verdictCmd.MarkFlagRequired("facilities")
}

func runVerdict(cmd *cobra.Command, args []string) error {
	class, err := policy.ParseDeviceClass(verdictClass)
	if err != nil {
		return err
	}

	p := policy.Default()
	if verdictPolicy != "" {
		if p, err = policy.ParseFile(verdictPolicy); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(verdictFacilities)
	if err != nil {
		return fmt.Errorf("read facilities: %w", err)
	}
	facilities, err := proximity.ParseFacilities(data)
	if err != nil {
		return err
	}

	sample := position.Sample{
		Latitude:       verdictLat,
		Longitude:      verdictLng,
		AccuracyMeters: verdictAccuracy,
		CapturedAt:     time.Now(),
	}
	v, err := evaluate(sample, facilities, p, proximity.Device{Class: class, ClientKey: verdictClient}, verdictCheckout)
	if err != nil {
		return err
	}
	logger.Debug("verdict evaluated",
		zap.Bool("eligible", v.Eligible),
		zap.String("tolerance_source", v.ToleranceSource),
		zap.Int("facilities", len(facilities)))

	return printJSON(cmd.OutOrStdout(), v)
}

func evaluate(s position.Sample, facilities []proximity.Facility, p *policy.Policy, d proximity.Device, checkout bool) (api.VerdictDTO, error) {
	if !s.Valid() {
		return api.VerdictDTO{}, fmt.Errorf("invalid position %.6f,%.6f ±%.0fm", s.Latitude, s.Longitude, s.AccuracyMeters)
	}
	var active []proximity.Facility
	for _, f := range facilities {
		if f.Active {
			active = append(active, f)
		}
	}
	if checkout {
		return api.ToVerdictDTO(proximity.ValidateCheckOut(s, active, p, d)), nil
	}
	return api.ToVerdictDTO(proximity.ValidateCheckIn(s, active, p, d)), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
