package capture

import "fmt"

// Format is the container a recording is written in.
type Format string

const (
	Format3GPP Format = "3gpp"
	FormatAMR  Format = "amr"
)

// Codec names the audio encoder used for a recording.
type Codec string

const (
	CodecAAC   Codec = "aac"
	CodecAMRWB Codec = "amr_wb"
	CodecAMRNB Codec = "amr_nb"
)

// Nominal bit rates used for remaining-time estimates.
const (
	BitRate3GPP = 20 * 1024 * 8
	BitRateAMR  = 2 * 1024 * 8
)

// Encoding is the full output configuration for a format and quality tier.
type Encoding struct {
	Format     Format
	Codec      Codec
	SampleRate int
	BitRate    int
}

// ParseFormat accepts "3gpp" or "amr".
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case Format3GPP, FormatAMR:
		return Format(s), nil
	}
	return "", fmt.Errorf("unsupported recording format %q (valid: 3gpp, amr)", s)
}

// Extension returns the file extension including the leading dot.
func (f Format) Extension() string {
	if f == Format3GPP {
		return ".3gpp"
	}
	return ".amr"
}

// EncodingFor returns the encoder settings for a format. Anything that is not
// 3GPP is recorded as AMR.
func EncodingFor(format Format, highQuality bool) Encoding {
	if format == Format3GPP {
		enc := Encoding{Format: Format3GPP, Codec: CodecAAC, SampleRate: 22050, BitRate: BitRate3GPP}
		if highQuality {
			enc.SampleRate = 44100
		}
		return enc
	}
	if highQuality {
		return Encoding{Format: FormatAMR, Codec: CodecAMRWB, SampleRate: 16000, BitRate: BitRateAMR}
	}
	return Encoding{Format: FormatAMR, Codec: CodecAMRNB, SampleRate: 8000, BitRate: BitRateAMR}
}
