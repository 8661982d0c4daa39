// qkdsim runs a batch of BB84 exchanges for each entry in the cartesian
// product of a collection of protocol parameters, e.g. qubits exchanged and
// eavesdropper presence, and outputs a CSV of the mean error rate and
// detection rate observed for each combination.
package main

import (
	"log"
	"math/rand"
	"os"
	"strings"
	"text/template"

	flag "github.com/spf13/pflag"
	"gonum.org/v1/gonum/stat"

	"qkdchat/qkd"
	"qkdchat/qkd/qubit"
)

var (
	qbits = flag.IntSlice("qbits", []int{32},
		"The numbers of qubits to exchange per protocol run.")
	eves = flag.IntSlice("eve", []int{0, 1},
		"Whether to run an intercept-resend eavesdropper (0 or 1).")
	thresholds = flag.Float64Slice("threshold", []float64{qkd.DefaultSampledThreshold},
		"The sampled mismatch rates above which eavesdropping is flagged.")
	samples = flag.IntSlice("samples", []int{qkd.DefaultSampleSize},
		"The numbers of sifted bits to sacrifice for verification.")
	trials = flag.Int("trials", 1000,
		"The protocol runs to average over per parameterization.")
	seed = flag.Int64("seed", 42, "The PRNG seed.")
)

var (
	inputs  = []string{"qbits", "eve", "threshold", "samples"}
	columns = []string{"QBits", "Eve", "Threshold", "Samples", "Trials",
		"MeanErrorRate", "DetectionRate", "DepletionRate", "MeanKeyBits"}
)

// An Experiment packages together the result of simulating a single
// parameterization for easy formatting.
type Experiment struct {
	// Fields corresponding to experiment parameters
	QBits     int
	Eve       int
	Threshold float64
	Samples   int
	Trials    int

	// Fields corresponding to experiment results
	MeanErrorRate float64
	DetectionRate float64
	DepletionRate float64
	MeanKeyBits   float64
}

func main() {
	flag.Parse()
	os.Stdout.WriteString(header() + "\n")
	tmpl := template.Must(template.New("line").Parse(lineTmpl()))
	r := rand.New(rand.NewSource(*seed))
	var args [][]interface{}
	for _, inp := range inputs {
		args = append(args, lookupInput(inp))
	}
	applyCartesian(func(args []interface{}) {
		exp := &Experiment{
			QBits:     args[inpIndex("qbits")].(int),
			Eve:       args[inpIndex("eve")].(int),
			Threshold: args[inpIndex("threshold")].(float64),
			Samples:   args[inpIndex("samples")].(int),
			Trials:    *trials,
		}
		if err := simulate(exp, r); err != nil {
			log.Fatalf("Simulating %+v: %v", exp, err)
		}
		if err := tmpl.Execute(os.Stdout, exp); err != nil {
			log.Fatalf("BUG: could not fill in line template: %v", err)
		}
	}, args)
}

func inpIndex(v string) int {
	for i, inp := range inputs {
		if inp == v {
			return i
		}
	}
	return -1
}

// simulate runs exp.Trials protocol rounds and aggregates their outcomes.
// Depleted rounds count toward the detection rate but not toward the mean
// error rate or key size: they produce no estimate and no key.
func simulate(exp *Experiment, r *rand.Rand) error {
	src := qubit.NewPseudoSource(r)
	var rates, keyBits []float64
	detected, depleted := 0, 0
	for i := 0; i < exp.Trials; i++ {
		res, err := qkd.Exchange(qkd.ExchangeOpts{
			Bits:       exp.QBits,
			Eve:        exp.Eve != 0,
			Rand:       src,
			SampleSize: exp.Samples,
			Threshold:  exp.Threshold,
		})
		if err == qkd.ErrKeyDepleted {
			depleted++
			detected++
			continue
		}
		if err != nil {
			return err
		}
		rates = append(rates, res.ErrorRate)
		keyBits = append(keyBits, float64(res.KeyAlice.Size()))
		if res.EveDetected {
			detected++
		}
	}
	if len(rates) > 0 {
		exp.MeanErrorRate = stat.Mean(rates, nil)
		exp.MeanKeyBits = stat.Mean(keyBits, nil)
	}
	exp.DetectionRate = float64(detected) / float64(exp.Trials)
	exp.DepletionRate = float64(depleted) / float64(exp.Trials)
	return nil
}

func header() string {
	return strings.Join(columns, ", ")
}

func lineTmpl() string {
	var els []string
	for _, c := range columns {
		els = append(els, "{{."+c+"}}")
	}
	return strings.Join(els, ", ") + "\n"
}

func lookupInput(name string) []interface{} {
	var r []interface{}
	if v, err := flag.CommandLine.GetIntSlice(name); err == nil {
		for _, val := range v {
			r = append(r, val)
		}
	} else if v, err := flag.CommandLine.GetFloat64Slice(name); err == nil {
		for _, val := range v {
			r = append(r, val)
		}
	} else {
		log.Fatalf("Unknown type for input %s", name)
	}
	return r
}

func applyCartesian(f func([]interface{}), args [][]interface{}) {
	for i := range args {
		if len(args[i]) == 1 {
			continue
		}
		l := make([][]interface{}, len(args))
		r := make([][]interface{}, len(args))
		copy(l, args)
		copy(r, args)
		l[i] = args[i][:1]
		r[i] = args[i][1:]
		applyCartesian(f, l)
		applyCartesian(f, r)
		return
	}
	x := make([]interface{}, 0, len(args))
	for _, a := range args {
		x = append(x, a[0])
	}
	f(x)
}
