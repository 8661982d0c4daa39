// qkdchat serves the encrypted chat application: clients establish a key via
// a simulated BB84 exchange, then send messages encrypted under it, with
// eavesdropper status pushed to websocket listeners.
package main

import (
	"log"
	"os"

	flag "github.com/spf13/pflag"

	"qkdchat/qkd"
	"qkdchat/web"
)

var (
	addr    = flag.String("addr", ":8080", "The address to serve the chat interface on.")
	bits    = flag.Int("bits", qkd.DefaultBits, "The qubits to exchange per key negotiation.")
	samples = flag.Int("samples", qkd.DefaultSampleSize,
		"The sifted bits to sacrifice for eavesdropper detection.")
	threshold = flag.Float64("threshold", qkd.DefaultSampledThreshold,
		"The sampled mismatch rate above which eavesdropping is flagged.")
	uploadDir = flag.String("upload-dir", "", "The directory to store chat uploads in. Empty disables uploads.")
	logDir    = flag.String("log-dir", "", "The directory to store per-session message logs in. Empty disables them.")
)

func main() {
	flag.Parse()
	for _, dir := range []string{*uploadDir, *logDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			log.Fatalf("Creating %s: %v", dir, err)
		}
	}
	srv := web.NewServer(web.Options{
		Bits:       *bits,
		SampleSize: *samples,
		Threshold:  *threshold,
		UploadDir:  *uploadDir,
		LogDir:     *logDir,
	})
	log.Fatal(srv.ListenAndServe(*addr))
}
