package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/Eyevinn/mp4ff/mp4"

	"github.com/dv1/vmeta/format"
	"github.com/dv1/vmeta/h264"
)

// frameSource yields decode-ready H.264 access units from either an MP4
// container or a raw Annex B elementary stream. MP4 samples are rewritten
// from AVCC (length-prefixed) to Annex B with SPS/PPS prepended on
// keyframes, which is the form the hardware bitstream parser expects.
type frameSource struct {
	f    *os.File
	mp4F *mp4.File
	aus  [][]byte // pre-split access units for elementary-stream input

	desc   format.Descriptor
	codec  string
	frames int

	spsPPS  []byte
	trackID uint32
	trex    *mp4.TrexBox
	stbl    *mp4.StblBox
}

func openSource(path string) (*frameSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	head := make([]byte, 12)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}

	s := &frameSource{
		f:     f,
		desc:  format.Descriptor{Family: format.FamilyH264},
		codec: "h264",
	}

	if n >= 8 && isMP4Brand(head[4:8]) {
		err = s.openMP4()
	} else {
		err = s.openAnnexB()
	}
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func isMP4Brand(b []byte) bool {
	switch string(b) {
	case "ftyp", "styp", "moov", "moof":
		return true
	}
	return false
}

func (s *frameSource) openMP4() error {
	mp4F, err := mp4.DecodeFile(s.f)
	if err != nil {
		return fmt.Errorf("decode mp4: %w", err)
	}
	s.mp4F = mp4F

	moov := mp4F.Moov
	if mp4F.IsFragmented() && mp4F.Init != nil {
		moov = mp4F.Init.Moov
	}
	if moov == nil {
		return fmt.Errorf("no moov box found")
	}

	var avcC *mp4.AvcCBox
	for _, trak := range moov.Traks {
		if trak.Mdia == nil || trak.Mdia.Hdlr == nil || trak.Mdia.Hdlr.HandlerType != "vide" {
			continue
		}
		s.trackID = trak.Tkhd.TrackID
		if trak.Mdia.Minf != nil && trak.Mdia.Minf.Stbl != nil {
			s.stbl = trak.Mdia.Minf.Stbl
			if s.stbl.Stsd != nil {
				for _, child := range s.stbl.Stsd.Children {
					if avc1, ok := child.(*mp4.VisualSampleEntryBox); ok {
						avcC = avc1.AvcC
					}
				}
			}
		}
		break
	}
	if s.trackID == 0 {
		return fmt.Errorf("no video track found")
	}
	if avcC == nil {
		return fmt.Errorf("video track carries no avcC box, only H.264 input is supported")
	}

	for _, sps := range avcC.SPSnalus {
		s.spsPPS = append(s.spsPPS, 0, 0, 0, 1)
		s.spsPPS = append(s.spsPPS, sps...)
	}
	for _, pps := range avcC.PPSnalus {
		s.spsPPS = append(s.spsPPS, 0, 0, 0, 1)
		s.spsPPS = append(s.spsPPS, pps...)
	}
	if len(avcC.SPSnalus) > 0 {
		if info, err := h264.ParseSPS(avcC.SPSnalus[0]); err == nil {
			s.desc.Width = info.Width
			s.desc.Height = info.Height
			s.codec = info.CodecString()
		}
	}

	if mp4F.IsFragmented() {
		if moov.Mvex != nil {
			for _, t := range moov.Mvex.Trexs {
				if t.TrackID == s.trackID {
					s.trex = t
					break
				}
			}
		}
		return nil
	}

	if s.stbl == nil || s.stbl.Stsz == nil {
		return fmt.Errorf("no sample table found")
	}
	s.frames = int(s.stbl.Stsz.SampleNumber)
	return nil
}

func (s *frameSource) openAnnexB() error {
	data, err := io.ReadAll(s.f)
	if err != nil {
		return fmt.Errorf("read elementary stream: %w", err)
	}
	s.aus = h264.SplitAccessUnits(data)
	if len(s.aus) == 0 {
		return fmt.Errorf("no access units found, input is neither MP4 nor Annex B H.264")
	}
	s.frames = len(s.aus)

	for _, nal := range h264.ParseAnnexB(data) {
		if h264.IsSPS(nal.Type) {
			if info, err := h264.ParseSPS(nal.Data); err == nil {
				s.desc.Width = info.Width
				s.desc.Height = info.Height
				s.codec = info.CodecString()
			}
			break
		}
	}
	return nil
}

// Stream sends access units to out in decode order until the input is
// exhausted or ctx is cancelled. The caller owns closing out.
func (s *frameSource) Stream(ctx context.Context, out chan<- []byte) error {
	switch {
	case s.aus != nil:
		return s.streamAnnexB(ctx, out)
	case s.mp4F.IsFragmented():
		return s.streamFragmented(ctx, out)
	default:
		return s.streamProgressive(ctx, out)
	}
}

func (s *frameSource) streamAnnexB(ctx context.Context, out chan<- []byte) error {
	for _, au := range s.aus {
		if err := send(ctx, out, au); err != nil {
			return err
		}
	}
	return nil
}

func (s *frameSource) streamProgressive(ctx context.Context, out chan<- []byte) error {
	syncSamples := make(map[uint32]bool)
	if s.stbl.Stss != nil {
		for _, nr := range s.stbl.Stss.SampleNumber {
			syncSamples[nr] = true
		}
	}

	count := uint32(s.stbl.Stsz.SampleNumber)
	for nr := uint32(1); nr <= count; nr++ {
		sample, err := s.readSample(nr)
		if err != nil {
			return fmt.Errorf("sample %d: %w", nr, err)
		}
		keyframe := syncSamples[nr] || len(syncSamples) == 0
		if err := send(ctx, out, s.buildAU(sample, keyframe)); err != nil {
			return err
		}
	}
	return nil
}

func (s *frameSource) streamFragmented(ctx context.Context, out chan<- []byte) error {
	for _, seg := range s.mp4F.Segments {
		for _, frag := range seg.Fragments {
			if frag.Moof == nil {
				continue
			}
			for _, traf := range frag.Moof.Trafs {
				if traf.Tfhd.TrackID != s.trackID {
					continue
				}
				samples, err := frag.GetFullSamples(s.trex)
				if err != nil {
					return fmt.Errorf("get samples: %w", err)
				}
				for i, sample := range samples {
					keyframe := sample.Flags == mp4.SyncSampleFlags || i == 0
					if err := send(ctx, out, s.buildAU(sample.Data, keyframe)); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// readSample locates one sample of a progressive MP4 through the chunk
// tables and reads it from the file.
func (s *frameSource) readSample(nr uint32) ([]byte, error) {
	if s.stbl.Stsc == nil {
		return nil, fmt.Errorf("missing stsc box")
	}
	chunkNr, firstInChunk, err := s.stbl.Stsc.ChunkNrFromSampleNr(int(nr))
	if err != nil {
		return nil, fmt.Errorf("get chunk nr: %w", err)
	}

	var chunkOffset uint64
	switch {
	case s.stbl.Stco != nil:
		chunkOffset, err = s.stbl.Stco.GetOffset(chunkNr)
		if err != nil {
			return nil, fmt.Errorf("get chunk offset: %w", err)
		}
	case s.stbl.Co64 != nil:
		if chunkNr < 1 || chunkNr > len(s.stbl.Co64.ChunkOffset) {
			return nil, fmt.Errorf("chunk nr %d out of range", chunkNr)
		}
		chunkOffset = s.stbl.Co64.ChunkOffset[chunkNr-1]
	default:
		return nil, fmt.Errorf("no stco or co64 box")
	}

	offset := chunkOffset
	for prev := uint32(firstInChunk); prev < nr; prev++ {
		offset += uint64(s.stbl.Stsz.GetSampleSize(int(prev)))
	}

	size := s.stbl.Stsz.GetSampleSize(int(nr))
	if _, err := s.f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to sample: %w", err)
	}
	data := make([]byte, size)
	if _, err := io.ReadFull(s.f, data); err != nil {
		return nil, fmt.Errorf("read sample: %w", err)
	}
	return data, nil
}

// buildAU converts one AVCC sample to Annex B, prepending SPS/PPS on
// keyframes so the decoder can start mid-file.
func (s *frameSource) buildAU(sample []byte, keyframe bool) []byte {
	annexB := avccToAnnexB(sample)
	if !keyframe || len(s.spsPPS) == 0 {
		return annexB
	}
	au := make([]byte, len(s.spsPPS)+len(annexB))
	copy(au, s.spsPPS)
	copy(au[len(s.spsPPS):], annexB)
	return au
}

// avccToAnnexB rewrites length-prefixed NAL units with 4-byte start codes.
func avccToAnnexB(data []byte) []byte {
	result := make([]byte, 0, len(data)+8)
	offset := 0
	for offset+4 <= len(data) {
		naluLen := int(data[offset])<<24 | int(data[offset+1])<<16 |
			int(data[offset+2])<<8 | int(data[offset+3])
		offset += 4
		if naluLen < 0 || offset+naluLen > len(data) {
			break
		}
		result = append(result, 0, 0, 0, 1)
		result = append(result, data[offset:offset+naluLen]...)
		offset += naluLen
	}
	return result
}

func send(ctx context.Context, out chan<- []byte, au []byte) error {
	select {
	case out <- au:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *frameSource) Close() error {
	return s.f.Close()
}
