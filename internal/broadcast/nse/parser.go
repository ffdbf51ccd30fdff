// Package nse decodes NSE TRIMM multicast broadcasts (CM, FO and CD
// segments share the wire format). All integer fields are big-endian;
// prices arrive in paise and are divided by 100. The embedded total
// buy/sell quantity doubles are not byte-swapped by the exchange feed
// handler and are read as-is (little-endian IEEE 754).
package nse

import (
	"bytes"
	"encoding/binary"
	"math"
	"strings"

	lzo "github.com/rasky/go-lzo"

	"mdplane-v1/internal/model"
)

// Transaction codes carried in the broadcast header.
const (
	txTouchline      = 7200  // BCAST_MBO_MBP_UPDATE
	txMarketWatch    = 7201  // BCAST_MW_ROUND_ROBIN
	txTicker         = 7202  // BCAST_TICKER_AND_MKT_INDEX
	txIndexMap       = 7203  // BCAST_INDEX_MAP_TABLE
	txIndices        = 7207  // BCAST_INDICES
	txOnlyMBP        = 7208  // BCAST_ONLY_MBP
	txPriceBand      = 7220  // BCAST_LPP_RANGE
	txMarketWatch64  = 17201 // 7201 with 64-bit open interest
	txTicker64       = 17202 // 7202 with 64-bit open interest
	txMarketOpen     = 6511  // BC_OPEN_MESSAGE
	txMarketClose    = 6521  // BC_CLOSE_MESSAGE
	txMarketPostClos = 6522  // BC_POSTCLOSE_MESSAGE
	txPreOpenShutdwn = 6531  // BC_PREOPEN_SHUTDOWN_MSG
	txPreOpenEnded   = 6571  // BC_NORMAL_MKT_PREOPEN_ENDED
	txCircuitCheck   = 6541  // BC_CIRCUIT_CHECK, heartbeat
)

const (
	packetHeaderSize = 4  // cNetId[2] + iNoOfMsgs
	msgPrefixSize    = 10 // iCompLen + broadcast sequence
	bcastHeaderSize  = 40
	decompressedSkip = 8 // sequence prefix inside the compressed block

	// Malformed packets must not let the walk run away.
	maxInnerMessages = 64
)

// PriorityFor ranks a transaction code for receiver stats.
func PriorityFor(txCode uint16) model.Priority {
	switch txCode {
	case txTouchline, txOnlyMBP:
		return model.PriorityCritical
	case txTicker, txTicker64, txPriceBand:
		return model.PriorityHigh
	case txMarketWatch, txMarketWatch64, txIndices, txIndexMap:
		return model.PriorityNormal
	default:
		return model.PriorityLow
	}
}

// Parser decodes raw TRIMM datagrams for one segment and hands the
// results to a Sink.
type Parser struct {
	segment model.Segment
	sink    *model.Sink
}

// New returns a parser emitting ticks tagged with the given segment.
func New(segment model.Segment, sink *model.Sink) *Parser {
	return &Parser{segment: segment, sink: sink}
}

// ParsePacket walks one UDP datagram: a 4-byte packet header followed
// by iNoOfMsgs inner messages, each either LZO-compressed or plain.
// It returns the number of inner messages decoded and the number of
// malformed ones skipped. A truncated or corrupt packet never panics;
// the walk stops at the first message it cannot frame.
func (p *Parser) ParsePacket(buf []byte, recvMicros int64) (decoded, errs int) {
	if len(buf) < packetHeaderSize {
		return 0, 1
	}
	n := int(int16(binary.BigEndian.Uint16(buf[2:4])))
	if n <= 0 {
		return 0, 1
	}
	if n > maxInnerMessages {
		n = maxInnerMessages
	}

	ptr := packetHeaderSize
	for i := 0; i < n; i++ {
		if ptr+2 > len(buf) {
			errs++
			return
		}
		compLen := int(int16(binary.BigEndian.Uint16(buf[ptr:])))
		switch {
		case compLen < 0:
			errs++
			return
		case compLen > 0:
			end := ptr + 2 + compLen
			if end > len(buf) {
				errs++
				return
			}
			body := buf[ptr+2 : end]
			dec, err := lzo.Decompress1X(bytes.NewReader(body), len(body), 0)
			if err != nil || len(dec) < decompressedSkip+bcastHeaderSize {
				errs++
			} else if p.dispatch(dec[decompressedSkip:], recvMicros) {
				decoded++
			} else {
				errs++
			}
			ptr = end
		default:
			msgStart := ptr + msgPrefixSize
			if msgStart+bcastHeaderSize > len(buf) {
				errs++
				return
			}
			msgLen := int(int16(binary.BigEndian.Uint16(buf[msgStart+38:])))
			if msgLen < bcastHeaderSize || msgStart+msgLen > len(buf) {
				errs++
				return
			}
			if p.dispatch(buf[msgStart:msgStart+msgLen], recvMicros) {
				decoded++
			} else {
				errs++
			}
			ptr = msgStart + msgLen
		}
	}
	return
}

// dispatch routes one framed message (broadcast header at offset 0) by
// transaction code. It reports whether the message was well-formed;
// unknown codes are well-formed but only counted.
func (p *Parser) dispatch(msg []byte, recvMicros int64) bool {
	if len(msg) < bcastHeaderSize {
		return false
	}
	txCode := binary.BigEndian.Uint16(msg[10:12])
	p.sink.EmitFrame(txCode, PriorityFor(txCode))

	switch txCode {
	case txTouchline:
		return p.decodeTouchline(msg, recvMicros)
	case txOnlyMBP:
		return p.decodeOnlyMBP(msg, recvMicros)
	case txTicker:
		return p.decodeTicker(msg, recvMicros, false)
	case txTicker64:
		return p.decodeTicker(msg, recvMicros, true)
	case txMarketWatch:
		return p.decodeMarketWatch(msg, recvMicros, false)
	case txMarketWatch64:
		return p.decodeMarketWatch(msg, recvMicros, true)
	case txIndices:
		return p.decodeIndices(msg)
	case txIndexMap:
		return p.decodeIndexMap(msg)
	case txPriceBand:
		return p.decodePriceBand(msg)
	case txMarketOpen, txMarketClose, txMarketPostClos, txPreOpenShutdwn, txPreOpenEnded:
		p.emitSession(txCode)
		return true
	case txCircuitCheck:
		return true
	default:
		return true
	}
}

// ── Touchline (7200) ──
// Broadcast header, then interactive trade fields, ten market-by-price
// levels (records 0-4 bids, 5-9 asks) and the day's OHLC.

const (
	tlTokenOff   = 40
	tlVolumeOff  = 48
	tlLTPOff     = 52
	tlLTQOff     = 61
	tlLTTOff     = 65
	tlATPOff     = 69
	tlDepthOff   = 275
	tlDepthSize  = 10
	tlTotBuyOff  = 375
	tlTotSellOff = 383
	tlCloseOff   = 393
	tlOpenOff    = 397
	tlHighOff    = 401
	tlLowOff     = 405
	tlMsgLen     = 409
)

func (p *Parser) decodeTouchline(msg []byte, recvMicros int64) bool {
	if len(msg) < tlMsgLen {
		return false
	}
	token := be32(msg, tlTokenOff)
	if token <= 0 {
		return false
	}

	t := &model.MarketTick{
		Segment:   p.segment,
		Token:     uint32(token),
		Class:     model.ClassTouchline,
		Priority:  model.PriorityCritical,
		TsUDPRecv: recvMicros,
		TsParsed:  model.NowMicros(),
	}
	t.Volume = int64(be32(msg, tlVolumeOff))
	t.Flags = t.Flags.Set(model.FlagVolume)

	if ltp := paise(be32(msg, tlLTPOff)); ltp > 0 {
		t.LTP = ltp
		t.Flags = t.Flags.Set(model.FlagLTP)
	}
	if ltq := be32(msg, tlLTQOff); ltq > 0 {
		t.LTQ = int64(ltq)
		t.Flags = t.Flags.Set(model.FlagLTQ)
	}
	if ltt := be32(msg, tlLTTOff); ltt > 0 {
		t.LastUpdateTime = int64(ltt)
		t.Flags = t.Flags.Set(model.FlagLastUpdateTime)
	}
	if atp := paise(be32(msg, tlATPOff)); atp > 0 {
		t.ATP = atp
		t.Flags = t.Flags.Set(model.FlagATP)
	}

	for i := 0; i < 10; i++ {
		off := tlDepthOff + i*tlDepthSize
		lvl := model.DepthLevel{
			Qty:    int64(be32(msg, off)),
			Price:  paise(be32(msg, off+4)),
			Orders: int32(binary.BigEndian.Uint16(msg[off+8:])),
		}
		if i < 5 {
			t.Bids[i] = lvl
		} else {
			t.Asks[i-5] = lvl
		}
	}
	t.Flags = t.Flags.Set(model.FlagDepth | model.FlagBid | model.FlagAsk)

	t.TotalBuyQty = rawF64(msg, tlTotBuyOff)
	t.TotalSellQty = rawF64(msg, tlTotSellOff)
	t.Flags = t.Flags.Set(model.FlagTotals)

	setOHLC(t,
		paise(be32(msg, tlOpenOff)),
		paise(be32(msg, tlHighOff)),
		paise(be32(msg, tlLowOff)),
		paise(be32(msg, tlCloseOff)))

	p.sink.EmitTick(t)
	return true
}

// ── Only MBP (7208) ──
// Up to two 214-byte records, each a full snapshot with twelve-byte
// depth levels.

const (
	mbpRecsOff   = 42
	mbpRecSize   = 214
	mbpDepthOff  = 56
	mbpDepthSize = 12
)

func (p *Parser) decodeOnlyMBP(msg []byte, recvMicros int64) bool {
	n := recordCount(msg, mbpRecsOff, mbpRecSize)
	if n == 0 {
		return false
	}
	for r := 0; r < n; r++ {
		rec := msg[mbpRecsOff+r*mbpRecSize:]
		token := be32(rec, 0)
		if token <= 0 {
			continue
		}
		t := &model.MarketTick{
			Segment:   p.segment,
			Token:     uint32(token),
			Class:     model.ClassFullSnapshot,
			Priority:  model.PriorityCritical,
			TsUDPRecv: recvMicros,
			TsParsed:  model.NowMicros(),
		}
		t.Volume = int64(be32(rec, 8))
		t.Flags = t.Flags.Set(model.FlagVolume)

		if ltp := paise(be32(rec, 12)); ltp > 0 {
			t.LTP = ltp
			t.Flags = t.Flags.Set(model.FlagLTP)
		}
		if ltq := be32(rec, 22); ltq > 0 {
			t.LTQ = int64(ltq)
			t.Flags = t.Flags.Set(model.FlagLTQ)
		}
		if ltt := be32(rec, 26); ltt > 0 {
			t.LastUpdateTime = int64(ltt)
			t.Flags = t.Flags.Set(model.FlagLastUpdateTime)
		}
		if atp := paise(be32(rec, 30)); atp > 0 {
			t.ATP = atp
			t.Flags = t.Flags.Set(model.FlagATP)
		}

		for i := 0; i < 10; i++ {
			off := mbpDepthOff + i*mbpDepthSize
			lvl := model.DepthLevel{
				Qty:    int64(be32(rec, off)),
				Price:  paise(be32(rec, off+4)),
				Orders: int32(binary.BigEndian.Uint16(rec[off+8:])),
			}
			if i < 5 {
				t.Bids[i] = lvl
			} else {
				t.Asks[i-5] = lvl
			}
		}
		t.Flags = t.Flags.Set(model.FlagDepth | model.FlagBid | model.FlagAsk)

		t.TotalBuyQty = rawF64(rec, 180)
		t.TotalSellQty = rawF64(rec, 188)
		t.Flags = t.Flags.Set(model.FlagTotals)

		setOHLC(t,
			paise(be32(rec, 202)),
			paise(be32(rec, 206)),
			paise(be32(rec, 210)),
			paise(be32(rec, 198)))

		p.sink.EmitTick(t)
	}
	return true
}

// ── Ticker (7202 / 17202) ──
// Fill price and quantity plus open interest with its day range. The
// 17202 variant widens the three OI fields to 64 bits.

func (p *Parser) decodeTicker(msg []byte, recvMicros int64, wide bool) bool {
	recSize := 26
	if wide {
		recSize = 38
	}
	n := recordCount(msg, 42, recSize)
	if n == 0 {
		return false
	}
	for r := 0; r < n; r++ {
		rec := msg[42+r*recSize:]
		token := be32(rec, 0)
		if token <= 0 {
			continue
		}
		t := &model.MarketTick{
			Segment:   p.segment,
			Token:     uint32(token),
			Class:     model.ClassTrade,
			Priority:  model.PriorityHigh,
			TsUDPRecv: recvMicros,
			TsParsed:  model.NowMicros(),
		}
		if ltp := paise(be32(rec, 6)); ltp > 0 {
			t.LTP = ltp
			t.Flags = t.Flags.Set(model.FlagLTP)
		}
		if ltq := be32(rec, 10); ltq > 0 {
			t.LTQ = int64(ltq)
			t.Flags = t.Flags.Set(model.FlagLTQ)
		}
		var oi, dayHi, dayLo int64
		if wide {
			oi, dayHi, dayLo = be64(rec, 14), be64(rec, 22), be64(rec, 30)
		} else {
			oi = int64(beU32(rec, 14))
			dayHi = int64(be32(rec, 18))
			dayLo = int64(be32(rec, 22))
		}
		if oi > 0 {
			t.OpenInterest = oi
			t.Flags = t.Flags.Set(model.FlagOI)
		}
		if dayHi > 0 || dayLo > 0 {
			t.OIDayHigh, t.OIDayLow = dayHi, dayLo
			t.Flags = t.Flags.Set(model.FlagOIExtremes)
		}
		if t.Flags == 0 {
			continue
		}
		p.sink.EmitTick(t)
	}
	return true
}

// ── Market watch (7201 / 17201) ──
// Best bid/ask per market type (normal, odd lot, spot); only the
// normal market entry feeds the book. The 17201 variant widens OI.

func (p *Parser) decodeMarketWatch(msg []byte, recvMicros int64, wide bool) bool {
	recSize := 86
	if wide {
		recSize = 90
	}
	n := recordCount(msg, 42, recSize)
	if n == 0 {
		return false
	}
	for r := 0; r < n; r++ {
		rec := msg[42+r*recSize:]
		token := be32(rec, 0)
		if token <= 0 {
			continue
		}
		t := &model.MarketTick{
			Segment:   p.segment,
			Token:     uint32(token),
			Class:     model.ClassDepth,
			Priority:  model.PriorityNormal,
			TsUDPRecv: recvMicros,
			TsParsed:  model.NowMicros(),
		}
		// Normal market entry only.
		const mw = 4
		if bidPx := paise(be32(rec, mw+6)); bidPx > 0 {
			t.Bids[0] = model.DepthLevel{Price: bidPx, Qty: int64(be32(rec, mw+2))}
			t.Flags = t.Flags.Set(model.FlagBid)
		}
		if askPx := paise(be32(rec, mw+14)); askPx > 0 {
			t.Asks[0] = model.DepthLevel{Price: askPx, Qty: int64(be32(rec, mw+10))}
			t.Flags = t.Flags.Set(model.FlagAsk)
		}
		var oi int64
		if wide {
			oi = be64(rec, 82)
		} else {
			oi = int64(beU32(rec, 82))
		}
		if oi > 0 {
			t.OpenInterest = oi
			t.Flags = t.Flags.Set(model.FlagOI)
		}
		if t.Flags == 0 {
			continue
		}
		p.sink.EmitTick(t)
	}
	return true
}

// ── Indices (7207) and index map (7203) ──

const (
	idxRecSize    = 71
	idxMapRecSize = 25
)

func (p *Parser) decodeIndices(msg []byte) bool {
	n := recordCount(msg, 42, idxRecSize)
	if n == 0 {
		return false
	}
	for r := 0; r < n; r++ {
		rec := msg[42+r*idxRecSize:]
		name := cstr(rec[:21])
		if name == "" {
			continue
		}
		p.sink.EmitIndex(&model.IndexTick{
			Segment:   p.segment,
			Name:      name,
			Value:     paise(be32(rec, 21)),
			High:      paise(be32(rec, 25)),
			Low:       paise(be32(rec, 29)),
			Open:      paise(be32(rec, 33)),
			PrevClose: paise(be32(rec, 37)),
			PctChange: paise(be32(rec, 41)),
			Advances:  be32(rec, 53),
			Declines:  be32(rec, 57),
			MarketCap: rawF64(rec, 61),
			TsParsed:  model.NowMicros(),
		})
	}
	return true
}

func (p *Parser) decodeIndexMap(msg []byte) bool {
	n := recordCount(msg, 42, idxMapRecSize)
	if n == 0 {
		return false
	}
	for r := 0; r < n; r++ {
		rec := msg[42+r*idxMapRecSize:]
		name := cstr(rec[:21])
		if name == "" {
			continue
		}
		p.sink.EmitIndex(&model.IndexTick{
			Segment:  p.segment,
			Name:     name,
			Value:    paise(be32(rec, 21)),
			TsParsed: model.NowMicros(),
		})
	}
	return true
}

// ── Price band (7220) ──
// Daily execution band per token; the count field is 32-bit unlike
// every other record count.

const (
	lppCountOff = 40
	lppRecsOff  = 44
	lppRecSize  = 12
)

func (p *Parser) decodePriceBand(msg []byte) bool {
	if len(msg) < lppRecsOff {
		return false
	}
	n := int(beU32(msg, lppCountOff))
	if max := (len(msg) - lppRecsOff) / lppRecSize; n > max {
		n = max
	}
	if n <= 0 {
		return false
	}
	for r := 0; r < n; r++ {
		rec := msg[lppRecsOff+r*lppRecSize:]
		token := be32(rec, 0)
		if token <= 0 {
			continue
		}
		hi := paise(be32(rec, 4))
		lo := paise(be32(rec, 8))
		p.sink.EmitCircuit(&model.CircuitLimitTick{
			Segment:      p.segment,
			Token:        uint32(token),
			UpperCircuit: hi,
			LowerCircuit: lo,
			HighExecBand: hi,
			LowExecBand:  lo,
			TsParsed:     model.NowMicros(),
		})
	}
	return true
}

func (p *Parser) emitSession(txCode uint16) {
	st := &model.SessionStateTick{
		Segment:  p.segment,
		Starting: true,
		TsParsed: model.NowMicros(),
	}
	switch txCode {
	case txMarketOpen:
		st.Phase = model.PhaseContinuous
	case txMarketClose:
		st.Phase = model.PhaseClosed
	case txMarketPostClos:
		st.Phase = model.PhasePostClose
	case txPreOpenShutdwn:
		st.Phase = model.PhasePreOpen
	case txPreOpenEnded:
		st.Phase = model.PhaseAuction
	}
	p.sink.EmitSession(st)
}

// ── Field helpers ──

func setOHLC(t *model.MarketTick, open, high, low, prevClose float64) {
	if open > 0 || high > 0 || low > 0 {
		t.Open, t.High, t.Low = open, high, low
		t.Flags = t.Flags.Set(model.FlagOHLC)
	}
	if prevClose > 0 {
		t.PrevClose = prevClose
		t.Flags = t.Flags.Set(model.FlagPrevClose)
	}
}

// recordCount reads the 16-bit record count at offset 40 and clamps it
// to what the buffer can actually hold.
func recordCount(msg []byte, recsOff, recSize int) int {
	if len(msg) < recsOff {
		return 0
	}
	n := int(int16(binary.BigEndian.Uint16(msg[40:42])))
	if n < 0 {
		return 0
	}
	if max := (len(msg) - recsOff) / recSize; n > max {
		n = max
	}
	return n
}

func be32(b []byte, off int) int32 {
	return int32(binary.BigEndian.Uint32(b[off:]))
}

func beU32(b []byte, off int) uint32 {
	return binary.BigEndian.Uint32(b[off:])
}

func be64(b []byte, off int) int64 {
	return int64(binary.BigEndian.Uint64(b[off:]))
}

// rawF64 reads an unswapped IEEE 754 double.
func rawF64(b []byte, off int) float64 {
	return math.Float64frombits(binary.LittleEndian.Uint64(b[off:]))
}

func paise(v int32) float64 {
	return float64(v) / 100.0
}

func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return strings.TrimSpace(string(b))
}
