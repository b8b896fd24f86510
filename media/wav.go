package media

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// AudioFile is parsed audio file metadata and PCM payload.
type AudioFile struct {
	AudioFormat   uint16
	SampleRate    uint32
	NumChannels   uint16
	BitsPerSample uint16
	PCMData       []byte
}

// ReadWAVFile parses a WAV file and returns metadata plus PCM audio data.
// Only uncompressed PCM format is accepted.
func ReadWAVFile(filePath string) (*AudioFile, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return ReadWAV(file)
}

// ReadWAV parses WAV data from reader.
func ReadWAV(file io.ReadSeeker) (*AudioFile, error) {
	riffID := make([]byte, 4)
	if _, err := io.ReadFull(file, riffID); err != nil {
		return nil, fmt.Errorf("failed to read RIFF header: %w", err)
	}
	if string(riffID) != "RIFF" {
		return nil, fmt.Errorf("not a valid RIFF file")
	}

	var riffSize uint32
	if err := binary.Read(file, binary.LittleEndian, &riffSize); err != nil {
		return nil, fmt.Errorf("failed to read RIFF size: %w", err)
	}

	waveID := make([]byte, 4)
	if _, err := io.ReadFull(file, waveID); err != nil {
		return nil, fmt.Errorf("failed to read WAVE header: %w", err)
	}
	if string(waveID) != "WAVE" {
		return nil, fmt.Errorf("not a valid WAVE file")
	}

	audioFile := &AudioFile{}
	for {
		chunkID := make([]byte, 4)
		n, err := file.Read(chunkID)
		if n == 0 || err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read chunk ID: %w", err)
		}

		var chunkSize uint32
		if err := binary.Read(file, binary.LittleEndian, &chunkSize); err != nil {
			return nil, fmt.Errorf("failed to read chunk size: %w", err)
		}

		switch string(chunkID) {
		case "fmt ":
			if err := binary.Read(file, binary.LittleEndian, &audioFile.AudioFormat); err != nil {
				return nil, fmt.Errorf("failed to read audio format: %w", err)
			}
			if audioFile.AudioFormat != 1 {
				return nil, fmt.Errorf("only PCM audio format (1) is supported, got %d", audioFile.AudioFormat)
			}

			if err := binary.Read(file, binary.LittleEndian, &audioFile.NumChannels); err != nil {
				return nil, fmt.Errorf("failed to read channels: %w", err)
			}
			if err := binary.Read(file, binary.LittleEndian, &audioFile.SampleRate); err != nil {
				return nil, fmt.Errorf("failed to read sample rate: %w", err)
			}

			// Skip byte rate and block align
			if _, err := file.Seek(6, io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to seek past byte rate: %w", err)
			}

			if err := binary.Read(file, binary.LittleEndian, &audioFile.BitsPerSample); err != nil {
				return nil, fmt.Errorf("failed to read bits per sample: %w", err)
			}

			// fmt chunk can be longer than the 16 bytes read so far
			if chunkSize > 16 {
				if _, err := file.Seek(int64(chunkSize-16), io.SeekCurrent); err != nil {
					return nil, fmt.Errorf("failed to skip fmt extension: %w", err)
				}
			}

		case "data":
			audioData := make([]byte, chunkSize)
			if _, err := io.ReadFull(file, audioData); err != nil {
				return nil, fmt.Errorf("failed to read audio data: %w", err)
			}
			audioFile.PCMData = audioData
			return audioFile, nil

		default:
			// Skip unknown chunks
			if _, err := file.Seek(int64(chunkSize), io.SeekCurrent); err != nil {
				return nil, fmt.Errorf("failed to skip chunk: %w", err)
			}
		}
	}

	return nil, fmt.Errorf("data chunk not found in WAV file")
}

// WriteWAVFile writes 16-bit PCM data as a WAV file.
func WriteWAVFile(filePath string, sampleRate uint32, channels uint16, pcm []byte) error {
	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()
	return WriteWAV(file, sampleRate, channels, pcm)
}

// WriteWAV writes 16-bit PCM data in WAV container format to writer.
func WriteWAV(w io.Writer, sampleRate uint32, channels uint16, pcm []byte) error {
	const bitsPerSample = 16
	byteRate := sampleRate * uint32(channels) * bitsPerSample / 8
	blockAlign := channels * bitsPerSample / 8
	dataSize := uint32(len(pcm))

	if _, err := w.Write([]byte("RIFF")); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, 36+dataSize); err != nil {
		return err
	}
	if _, err := w.Write([]byte("WAVE")); err != nil {
		return err
	}

	if _, err := w.Write([]byte("fmt ")); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(16)); err != nil {
		return err
	}
	for _, v := range []any{
		uint16(1), // PCM
		channels,
		sampleRate,
		byteRate,
		blockAlign,
		uint16(bitsPerSample),
	} {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	if _, err := w.Write([]byte("data")); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	_, err := w.Write(pcm)
	return err
}

// ResamplePCM converts 16-bit PCM to target rate mono using linear
// interpolation. For production quality use an external resampler.
func ResamplePCM(audioFile *AudioFile, targetSampleRate uint32) ([]byte, error) {
	// Convert to mono if needed
	var monoPCM []byte
	switch audioFile.NumChannels {
	case 1:
		monoPCM = audioFile.PCMData
	case 2:
		// Simple stereo to mono conversion (average channels)
		monoPCM = make([]byte, len(audioFile.PCMData)/2)
		for i := 0; i+3 < len(audioFile.PCMData); i += 4 {
			left := int16(audioFile.PCMData[i]) | int16(audioFile.PCMData[i+1])<<8
			right := int16(audioFile.PCMData[i+2]) | int16(audioFile.PCMData[i+3])<<8
			mono := (int32(left) + int32(right)) / 2
			monoPCM[i/2] = byte(mono & 0xFF)
			monoPCM[i/2+1] = byte((mono >> 8) & 0xFF)
		}
	default:
		return nil, fmt.Errorf("unsupported number of channels: %d", audioFile.NumChannels)
	}

	if audioFile.SampleRate == targetSampleRate {
		return monoPCM, nil
	}

	// Linear interpolation resampling
	ratio := float64(audioFile.SampleRate) / float64(targetSampleRate)
	outputSamples := int(float64(len(monoPCM)/2) / ratio)
	outputPCM := make([]byte, outputSamples*2)

	for i := 0; i < outputSamples; i++ {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		if srcIdx+1 >= len(monoPCM)/2 {
			outputPCM = outputPCM[:i*2]
			break
		}

		sample1 := int16(monoPCM[srcIdx*2]) | int16(monoPCM[srcIdx*2+1])<<8
		sample2 := int16(monoPCM[(srcIdx+1)*2]) | int16(monoPCM[(srcIdx+1)*2+1])<<8

		interpolated := int16(float64(sample1)*(1-frac) + float64(sample2)*frac)

		outputPCM[i*2] = byte(uint16(interpolated) & 0xFF)
		outputPCM[i*2+1] = byte(uint16(interpolated) >> 8)
	}

	return outputPCM, nil
}
