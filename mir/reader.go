package mir

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"
)

// SessionData is the decoded content of one session directory.
type SessionData struct {
	Baselines    []BaselineRecord
	Spectra      []SpectrumRecord
	Integrations []IntegrationRecord
	Engineering  []EngineeringRecord
	Payload      []byte
}

// ReadSession loads and decodes every stream in dir. It is meant for
// verification and small sessions; it reads whole files into memory.
func ReadSession(dir string) (*SessionData, error) {
	read := func(name string) ([]byte, error) {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("mir: read %s: %w", name, err)
		}
		return raw, nil
	}
	out := &SessionData{}

	raw, err := read(BaselineStream)
	if err != nil {
		return nil, err
	}
	for p := raw; len(p) > 0; p = p[BaselineRecordSize:] {
		rec, err := DecodeBaseline(p)
		if err != nil {
			return nil, fmt.Errorf("mir: %s: %w", BaselineStream, err)
		}
		out.Baselines = append(out.Baselines, rec)
	}

	if raw, err = read(SpectrumStream); err != nil {
		return nil, err
	}
	for p := raw; len(p) > 0; p = p[SpectrumRecordSize:] {
		rec, err := DecodeSpectrum(p)
		if err != nil {
			return nil, fmt.Errorf("mir: %s: %w", SpectrumStream, err)
		}
		out.Spectra = append(out.Spectra, rec)
	}

	if raw, err = read(IntegrationStream); err != nil {
		return nil, err
	}
	for p := raw; len(p) > 0; p = p[IntegrationRecordSize:] {
		rec, err := DecodeIntegration(p)
		if err != nil {
			return nil, fmt.Errorf("mir: %s: %w", IntegrationStream, err)
		}
		out.Integrations = append(out.Integrations, rec)
	}

	if raw, err = read(EngineeringStream); err != nil {
		return nil, err
	}
	for p := raw; len(p) > 0; p = p[EngineeringRecordSize:] {
		rec, err := DecodeEngineering(p)
		if err != nil {
			return nil, fmt.Errorf("mir: %s: %w", EngineeringStream, err)
		}
		out.Engineering = append(out.Engineering, rec)
	}

	if out.Payload, err = read(PayloadStream); err != nil {
		return nil, err
	}
	return out, nil
}

// Verify checks every integration's payload block against its checksum and
// header, and every spectrum's payload bounds.
func (d *SessionData) Verify() error {
	for _, in := range d.Integrations {
		end := in.PayloadOffset + int64(in.PayloadLength)
		if in.PayloadOffset < 0 || end > int64(len(d.Payload)) {
			return fmt.Errorf("mir: integration %d payload out of range", in.IntegrationID)
		}
		block := d.Payload[in.PayloadOffset:end]
		if sum := xxh3.Hash(block); sum != in.Checksum {
			return fmt.Errorf("mir: integration %d checksum %016x, want %016x", in.IntegrationID, sum, in.Checksum)
		}
		inhid, length, err := DecodeBlockHeader(block)
		if err != nil {
			return err
		}
		if inhid != in.IntegrationID || length != in.PayloadLength {
			return fmt.Errorf("mir: integration %d block header mismatch (%d, %d)", in.IntegrationID, inhid, length)
		}
	}
	for _, sp := range d.Spectra {
		end := sp.PayloadOffset + int64(sp.PayloadLength)
		if sp.PayloadOffset < 0 || end > int64(len(d.Payload)) {
			return fmt.Errorf("mir: spectrum %d payload out of range", sp.SpectrumID)
		}
	}
	return nil
}

// SpectrumPayload returns the exponent and mantissas a spectrum record points at.
func (d *SessionData) SpectrumPayload(sp SpectrumRecord) (int16, []int16, error) {
	end := sp.PayloadOffset + int64(sp.PayloadLength)
	if sp.PayloadOffset < 0 || end > int64(len(d.Payload)) {
		return 0, nil, errShortRecord
	}
	return DecodeSpectrumPayload(d.Payload[sp.PayloadOffset:end], int(sp.Channels))
}
