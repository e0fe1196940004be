package lorgnette

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/spf13/pflag"
)

// DecodeMain is the entry point for lorgnette-decode: it reads a framed
// capture stream from a file or a live TCP link and prints one line per
// message. The inverse of lorgnette-gen, and the quickest way to see what
// a device is actually sending.
func DecodeMain() {
	var subscribe = pflag.BoolP("subscribe", "s", false, "Subscribe to audio after connecting (network source only).")
	var capture = pflag.BoolP("capture", "c", false, "Request a single photo after connecting (network source only).")
	var help = pflag.BoolP("help", "h", false, "Display help text.")

	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s - Decode a framed capture link stream.\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Usage: %s [options] file|host:port\n", os.Args[0])
		pflag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "With a file, the stream is decoded and the program exits.  With a\n")
		fmt.Fprintf(os.Stderr, "host:port, the program connects to a running device and decodes until\n")
		fmt.Fprintf(os.Stderr, "the link drops.\n")
		fmt.Fprintf(os.Stderr, "\n")
		fmt.Fprintf(os.Stderr, "Example:  lorgnette-decode -s -c lorgnette.local:8700\n")
	}

	pflag.Parse()

	if *help || pflag.NArg() != 1 {
		pflag.Usage()
		os.Exit(1)
	}

	var source = pflag.Arg(0)

	var in io.ReadCloser
	if _, statErr := os.Stat(source); statErr == nil {
		var f, err = os.Open(source)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		in = f
	} else {
		var conn, err = net.Dial("tcp", source)
		if err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		in = conn

		if *subscribe {
			conn.Write(EncodeFrame(ChanAudioSubscribe, []byte{1}))
		}
		if *capture {
			conn.Write(EncodeFrame(ChanPhotoControl, []byte{0xFF}))
		}
	}
	defer in.Close()

	if err := decodeStream(in, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

// decodeStream prints one line per decoded frame until the reader runs dry.
func decodeStream(in io.Reader, out io.Writer) error {
	var printer = linkPrinter{out: out}
	var decoder FrameDecoder
	var buf = make([]byte, 4096)

	for {
		var n, err = in.Read(buf)
		if n > 0 {
			decoder.Feed(buf[:n], printer.frame)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}
	}
}

// linkPrinter renders decoded frames, tracking image reassembly so the end
// marker can report the transfer size.
type linkPrinter struct {
	out        io.Writer
	imageBytes int
}

func (p *linkPrinter) frame(frame []byte) {
	var channel = frame[0]
	var payload = frame[1:]

	switch channel {
	case ChanDeviceInfo:
		var info, err = ParseDeviceInfo(payload)
		if err != nil {
			p.malformed(channel, err)

			return
		}

		fmt.Fprintf(p.out, "device-info manufacturer=%q model=%q firmware=%q codec=%d\n",
			info.Manufacturer, info.Model, info.FirmwareRev, info.CodecID)

	case ChanAudio:
		var index, data, err = ParseAudioPacket(payload)
		if err != nil {
			p.malformed(channel, err)

			return
		}

		fmt.Fprintf(p.out, "audio index=%d bytes=%d\n", index, len(data))

	case ChanPhoto:
		var chunk, err = ParseImageChunk(payload)
		if err != nil {
			p.malformed(channel, err)

			return
		}

		switch {
		case chunk.End:
			fmt.Fprintf(p.out, "image end bytes=%d\n", p.imageBytes)
			p.imageBytes = 0
		case chunk.First:
			p.imageBytes = len(chunk.Payload)
			fmt.Fprintf(p.out, "image first orientation=%d bytes=%d\n", chunk.Orientation, len(chunk.Payload))
		default:
			p.imageBytes += len(chunk.Payload)
			fmt.Fprintf(p.out, "image index=%d bytes=%d\n", chunk.Index, len(chunk.Payload))
		}

	case ChanUpgradeStatus:
		if len(payload) < 2 {
			p.malformed(channel, ErrMalformed)

			return
		}

		fmt.Fprintf(p.out, "upgrade-status status=%s progress=%d\n", UpgradeStatus(payload[0]), payload[1])

	case ChanBattery:
		if len(payload) < 1 {
			p.malformed(channel, ErrMalformed)

			return
		}

		fmt.Fprintf(p.out, "battery level=%d\n", payload[0])

	// Client-direction channels show up when decoding a captured client
	// stream rather than a device stream.
	case ChanAudioSubscribe:
		if len(payload) < 1 {
			p.malformed(channel, ErrMalformed)

			return
		}

		fmt.Fprintf(p.out, "audio-subscribe enabled=%t\n", payload[0] != 0)

	case ChanPhotoControl:
		if len(payload) < 1 {
			p.malformed(channel, ErrMalformed)

			return
		}

		var req, seconds, err = ParsePhotoControl(payload[0])
		if err != nil {
			p.malformed(channel, err)

			return
		}

		switch req {
		case CaptureSingle:
			fmt.Fprintf(p.out, "photo-control single\n")
		case CaptureStop:
			fmt.Fprintf(p.out, "photo-control stop\n")
		case CaptureStartInterval:
			fmt.Fprintf(p.out, "photo-control interval seconds=%d\n", seconds)
		}

	case ChanUpgradeControl:
		var cmd, err = ParseUpgradeCommand(payload)
		if err != nil {
			p.malformed(channel, err)

			return
		}

		switch cmd.Op {
		case UpgradeOpSetWiFi:
			fmt.Fprintf(p.out, "upgrade-control set-wifi ssid=%q\n", cmd.SSID)
		case UpgradeOpSetURL:
			fmt.Fprintf(p.out, "upgrade-control set-url url=%q\n", cmd.URL)
		case UpgradeOpStart:
			fmt.Fprintf(p.out, "upgrade-control start\n")
		case UpgradeOpCancel:
			fmt.Fprintf(p.out, "upgrade-control cancel\n")
		case UpgradeOpGetStatus:
			fmt.Fprintf(p.out, "upgrade-control get-status\n")
		}

	default:
		fmt.Fprintf(p.out, "channel 0x%02X bytes=%d\n", channel, len(payload))
	}
}

func (p *linkPrinter) malformed(channel byte, err error) {
	fmt.Fprintf(p.out, "malformed channel=0x%02X err=%v\n", channel, err)
}
