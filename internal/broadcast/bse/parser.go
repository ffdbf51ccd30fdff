// Package bse decodes BSE Direct NFCAST multicast broadcasts. Unlike
// the NSE feed each datagram carries exactly one message, all integers
// are little-endian and there is no compression. Prices arrive scaled
// by 100.
package bse

import (
	"bytes"
	"encoding/binary"
	"strings"

	"mdplane-v1/internal/model"
)

// Message types carried at offset 8 of the 36-byte header.
const (
	msgMarketPicture        = 2020
	msgMarketPictureComplex = 2021
	msgOpenInterest         = 2015
	msgSessionChange        = 2002
	msgClosePrice           = 2014
	msgIndex                = 2012
	msgImpliedVolatility    = 2028
	msgRBIReferenceRate     = 2022
	msgCircuitLimit         = 2034 // recognized, layout not published
)

const (
	headerSize = 36

	pictureSlotSize = 264
	oiRecSize       = 34
	oiMaxRecords    = 40
	closeRecSize    = 8
	indexRecSize    = 120
	ivRecSize       = 72
	rbiRecsOff      = 38
	rbiRecSize      = 24
)

// PriorityFor ranks a message type for receiver stats.
func PriorityFor(msgType uint16) model.Priority {
	switch msgType {
	case msgMarketPicture, msgMarketPictureComplex, msgSessionChange:
		return model.PriorityCritical
	case msgOpenInterest, msgIndex, msgClosePrice, msgCircuitLimit:
		return model.PriorityHigh
	default:
		return model.PriorityNormal
	}
}

// Parser decodes raw NFCAST datagrams for one segment and hands the
// results to a Sink.
type Parser struct {
	segment model.Segment
	sink    *model.Sink
}

// New returns a parser emitting ticks tagged with the given segment.
func New(segment model.Segment, sink *model.Sink) *Parser {
	return &Parser{segment: segment, sink: sink}
}

// ParsePacket decodes one datagram. It returns (1, 0) for a decoded
// message, (0, 1) for a truncated or unknown one.
func (p *Parser) ParsePacket(buf []byte, recvMicros int64) (decoded, errs int) {
	if len(buf) < headerSize {
		return 0, 1
	}
	msgType := binary.LittleEndian.Uint16(buf[8:10])
	p.sink.EmitFrame(msgType, PriorityFor(msgType))

	ok := false
	switch msgType {
	case msgMarketPicture, msgMarketPictureComplex:
		ok = p.decodeMarketPicture(buf, recvMicros)
	case msgOpenInterest:
		ok = p.decodeOpenInterest(buf, recvMicros)
	case msgSessionChange:
		ok = p.decodeSessionChange(buf)
	case msgClosePrice:
		ok = p.decodeClosePrice(buf, recvMicros)
	case msgIndex:
		ok = p.decodeIndex(buf)
	case msgImpliedVolatility:
		ok = p.decodeImpliedVolatility(buf)
	case msgRBIReferenceRate:
		ok = p.decodeRBIRate(buf)
	case msgCircuitLimit:
		// Counted for stats; the band layout is not published for
		// NFCAST and bands ride on 2020 instead.
		ok = true
	}
	if !ok {
		return 0, 1
	}
	return 1, 0
}

// ── Market picture (2020 / 2021) ──
// Fixed 264-byte instrument slots after the header. 2021 is the same
// layout for complex instruments (spreads).

func (p *Parser) decodeMarketPicture(buf []byte, recvMicros int64) bool {
	n := (len(buf) - headerSize) / pictureSlotSize
	if n == 0 {
		return false
	}
	emitted := false
	for i := 0; i < n; i++ {
		rec := buf[headerSize+i*pictureSlotSize:]
		token := le32(rec, 0)
		if token == 0 {
			continue
		}
		t := &model.MarketTick{
			Segment:   p.segment,
			Token:     token,
			Class:     model.ClassFullSnapshot,
			Priority:  model.PriorityCritical,
			TsUDPRecv: recvMicros,
			TsParsed:  model.NowMicros(),
		}
		open := scaled(rec, 4)
		prevClose := scaled(rec, 8)
		high := scaled(rec, 12)
		low := scaled(rec, 16)
		if open > 0 || high > 0 || low > 0 {
			t.Open, t.High, t.Low = open, high, low
			t.Flags = t.Flags.Set(model.FlagOHLC)
		}
		if prevClose > 0 {
			t.PrevClose = prevClose
			t.Flags = t.Flags.Set(model.FlagPrevClose)
		}

		t.Volume = int64(le32(rec, 24))
		t.Flags = t.Flags.Set(model.FlagVolume)

		if ltp := scaled(rec, 36); ltp > 0 {
			t.LTP = ltp
			t.Flags = t.Flags.Set(model.FlagLTP)
		}

		t.TotalBuyQty = float64(le32(rec, 64))
		t.TotalSellQty = float64(le32(rec, 68))
		t.Flags = t.Flags.Set(model.FlagTotals)

		lower := scaled(rec, 76)
		upper := scaled(rec, 80)
		if lower > 0 || upper > 0 {
			t.LowerCircuit, t.UpperCircuit = lower, upper
			t.Flags = t.Flags.Set(model.FlagCircuit)
		}

		if atp := scaled(rec, 84); atp > 0 {
			t.ATP = atp
			t.Flags = t.Flags.Set(model.FlagATP)
		}

		// Bid and ask levels interleave in 32-byte pairs. Order counts
		// are not part of this layout.
		for lvl := 0; lvl < 5; lvl++ {
			bidOff := 104 + lvl*32
			askOff := bidOff + 16
			t.Bids[lvl] = model.DepthLevel{
				Price: scaled(rec, bidOff),
				Qty:   int64(le32(rec, bidOff+4)),
			}
			t.Asks[lvl] = model.DepthLevel{
				Price: scaled(rec, askOff),
				Qty:   int64(le32(rec, askOff+4)),
			}
		}
		t.Flags = t.Flags.Set(model.FlagDepth | model.FlagBid | model.FlagAsk)

		p.sink.EmitTick(t)
		emitted = true
	}
	return emitted
}

// ── Open interest (2015) ──

func (p *Parser) decodeOpenInterest(buf []byte, recvMicros int64) bool {
	if len(buf) < headerSize+2 {
		return false
	}
	n := int(binary.LittleEndian.Uint16(buf[32:34]))
	if n > oiMaxRecords {
		n = oiMaxRecords
	}
	emitted := false
	for i := 0; i < n; i++ {
		off := headerSize + i*oiRecSize
		if off+oiRecSize > len(buf) {
			break
		}
		rec := buf[off:]
		token := le32(rec, 0)
		if token == 0 {
			continue
		}
		oi := int64(binary.LittleEndian.Uint64(rec[4:12]))
		if oi <= 0 {
			continue
		}
		t := &model.MarketTick{
			Segment:      p.segment,
			Token:        token,
			OpenInterest: oi,
			OIChange:     int64(int32(le32(rec, 20))),
			Flags:        model.FlagOI,
			Class:        model.ClassOIOnly,
			Priority:     model.PriorityHigh,
			TsUDPRecv:    recvMicros,
			TsParsed:     model.NowMicros(),
		}
		p.sink.EmitTick(t)
		emitted = true
	}
	return emitted
}

// ── Session change (2002) ──
// The payload is a raw product-state record; phase interpretation is
// left to the session tracker, which knows the segment's timetable.

func (p *Parser) decodeSessionChange(buf []byte) bool {
	if len(buf) < headerSize+8 {
		return false
	}
	rec := buf[headerSize:]
	p.sink.EmitSession(&model.SessionStateTick{
		Segment:       p.segment,
		Phase:         model.PhaseUnknown,
		SessionNumber: int32(le32(rec, 0)),
		MarketType:    rec[6],
		Starting:      rec[7] == 1,
		TsParsed:      model.NowMicros(),
	})
	return true
}

// ── Close price (2014) ──
// Occasionally sent in full 264-byte picture slots, otherwise packed
// as 8-byte token/price pairs.

func (p *Parser) decodeClosePrice(buf []byte, recvMicros int64) bool {
	if len(buf) < headerSize+closeRecSize {
		return false
	}
	slot := pictureSlotSize
	n := (len(buf) - headerSize) / slot
	if n == 0 {
		slot = closeRecSize
		n = (len(buf) - headerSize) / slot
	}
	emitted := false
	for i := 0; i < n; i++ {
		rec := buf[headerSize+i*slot:]
		token := le32(rec, 0)
		if token == 0 {
			continue
		}
		prevClose := scaled(rec, 4)
		if prevClose <= 0 {
			continue
		}
		t := &model.MarketTick{
			Segment:   p.segment,
			Token:     token,
			PrevClose: prevClose,
			Flags:     model.FlagPrevClose,
			Class:     model.ClassTouchline,
			Priority:  model.PriorityHigh,
			TsUDPRecv: recvMicros,
			TsParsed:  model.NowMicros(),
		}
		p.sink.EmitTick(t)
		emitted = true
	}
	return emitted
}

// ── Index (2012) ──

func (p *Parser) decodeIndex(buf []byte) bool {
	n := (len(buf) - headerSize) / indexRecSize
	if n <= 0 {
		return false
	}
	emitted := false
	for i := 0; i < n; i++ {
		off := headerSize + i*indexRecSize
		if off+32 > len(buf) {
			break
		}
		rec := buf[off:]
		token := le32(rec, 0)
		if token == 0 {
			continue
		}
		idx := &model.IndexTick{
			Segment:   p.segment,
			Token:     token,
			Value:     scaled(rec, 24),
			Open:      scaled(rec, 12),
			High:      scaled(rec, 16),
			Low:       scaled(rec, 20),
			PrevClose: scaled(rec, 28),
			TsParsed:  model.NowMicros(),
		}
		if idx.PrevClose > 0 {
			idx.PctChange = (idx.Value - idx.PrevClose) / idx.PrevClose * 100.0
		}
		p.sink.EmitIndex(idx)
		emitted = true
	}
	return emitted
}

// ── Implied volatility (2028) ──

func (p *Parser) decodeImpliedVolatility(buf []byte) bool {
	if len(buf) < 34 {
		return false
	}
	n := int(binary.LittleEndian.Uint16(buf[32:34]))
	emitted := false
	for i := 0; i < n; i++ {
		off := headerSize + i*ivRecSize
		if off+12 > len(buf) {
			break
		}
		rec := buf[off:]
		token := le32(rec, 0)
		if token == 0 {
			continue
		}
		iv := int64(binary.LittleEndian.Uint64(rec[4:12]))
		p.sink.EmitIV(&model.ImpliedVolatilityTick{
			Segment:  p.segment,
			Token:    token,
			IV:       float64(iv) / 100.0,
			TsParsed: model.NowMicros(),
		})
		emitted = true
	}
	return emitted
}

// ── RBI reference rate (2022) ──
// Currency derivatives only; records start at 38, after the count.

func (p *Parser) decodeRBIRate(buf []byte) bool {
	if len(buf) < 34 {
		return false
	}
	n := int(binary.LittleEndian.Uint16(buf[32:34]))
	emitted := false
	for i := 0; i < n; i++ {
		off := rbiRecsOff + i*rbiRecSize
		if off+rbiRecSize > len(buf) {
			break
		}
		rec := buf[off:]
		assetID := le32(rec, 0)
		if assetID == 0 {
			continue
		}
		p.sink.EmitRBIRate(&model.RBIRateTick{
			Segment:  p.segment,
			AssetID:  assetID,
			Rate:     float64(int32(le32(rec, 4))) / 100.0,
			Date:     cstr(rec[12:23]),
			TsParsed: model.NowMicros(),
		})
		emitted = true
	}
	return emitted
}

// ── Field helpers ──

func le32(b []byte, off int) uint32 {
	return binary.LittleEndian.Uint32(b[off:])
}

func scaled(b []byte, off int) float64 {
	return float64(le32(b, off)) / 100.0
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
