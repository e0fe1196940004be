package lorgnette

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"
)

// GenMain is the entry point for lorgnette-gen: it writes a synthetic
// framed capture stream, the same bytes a device would send over TCP or
// serial. Useful for exercising companion apps and the decode tool without
// a device on the bench.
func GenMain() {
	var audioPackets = pflag.IntP("audio-packets", "a", 50, "Number of audio packets to generate.")
	var audioPayload = pflag.IntP("audio-payload", "p", 40, "Encoded payload bytes per audio packet.")
	var imageBytes = pflag.IntP("image-bytes", "i", 5000, "Size of the synthetic image transfer.  0 for no image.")
	var orientation = pflag.Uint8P("orientation", "r", 0, "Orientation tag for the image transfer.")
	var battery = pflag.IntP("battery", "l", 87, "Battery level notification to append.  Negative for none.")
	var outputFile = pflag.StringP("output-file", "o", "", "Send output to file instead of stdout.")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Generate a synthetic capture link stream.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "The stream opens with a device info frame, then the requested audio\n")
		fmt.Fprintf(os.Stderr, "packets, one image transfer, and a battery level.  Feed the result to\n")
		fmt.Fprintf(os.Stderr, "lorgnette-decode or to a companion app under test.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Example:  lorgnette-gen -a 100 -i 20000 -o stream.bin\n")
	}

	pflag.Parse()

	if *help {
		pflag.Usage()
		os.Exit(1)
	}

	var out io.Writer = os.Stdout
	if *outputFile != "" {
		var f, err = os.Create(*outputFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		defer f.Close()

		out = f
	}

	var frames, err = writeSyntheticStream(out, *audioPackets, *audioPayload, *imageBytes, *orientation, *battery)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Wrote %d frames.\n", frames)
}

// writeSyntheticStream emits the framed stream and returns the frame
// count. Payload bytes are deterministic so downstream assertions can rely
// on the content.
func writeSyntheticStream(out io.Writer, audioPackets, audioPayload, imageBytes int, orientation byte, battery int) (int, error) {
	var frames = 0

	var emit = func(channel byte, payload []byte) error {
		if _, err := out.Write(EncodeFrame(channel, payload)); err != nil {
			return err
		}
		frames++

		return nil
	}

	var info = DeviceInfo{
		Manufacturer: "lorgnette",
		Model:        "lorgnette-sim",
		FirmwareRev:  FirmwareRevision(),
		CodecID:      CodecPCM16kMono,
	}
	if err := emit(ChanDeviceInfo, EncodeDeviceInfo(info)); err != nil {
		return frames, err
	}

	var payload = make([]byte, audioPayload)
	for i := 0; i < audioPackets; i++ {
		for j := range payload {
			payload[j] = byte(i + j)
		}

		if err := emit(ChanAudio, BuildAudioPacket(uint16(i), payload)); err != nil {
			return frames, err
		}
	}

	if imageBytes > 0 {
		var img = make([]byte, imageBytes)
		for i := range img {
			img[i] = byte(i * 7)
		}

		var first = img
		if len(first) > FirstChunkPayload {
			first = first[:FirstChunkPayload]
		}
		if err := emit(ChanPhoto, BuildImageChunkFirst(orientation, first)); err != nil {
			return frames, err
		}

		var rest = img[len(first):]
		for index := uint16(1); len(rest) > 0; index++ {
			var n = len(rest)
			if n > NextChunkPayload {
				n = NextChunkPayload
			}

			if err := emit(ChanPhoto, BuildImageChunkNext(index, rest[:n])); err != nil {
				return frames, err
			}
			rest = rest[n:]
		}

		if err := emit(ChanPhoto, BuildImageEnd()); err != nil {
			return frames, err
		}
	}

	if battery >= 0 {
		if battery > 100 {
			battery = 100
		}

		if err := emit(ChanBattery, []byte{byte(battery)}); err != nil {
			return frames, err
		}
	}

	return frames, nil
}
