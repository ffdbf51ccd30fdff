// cmd/udpsim — Multicast feed simulator.
// Emits synthetic NSE TRIMM and BSE NFCAST datagrams to the configured
// multicast groups so the data plane can run in staging without an
// exchange line. Prices random-walk from per-token seeds; NSE frames
// are big-endian touchline/ticker/indices, BSE frames little-endian
// market pictures with interleaved depth.
//
// Config (env vars):
//
//	SIM_NSECM        — NSE CM group       (default: "233.1.2.5:34330")
//	SIM_NSEFO        — NSE FO group       (default: "233.1.2.6:34331")
//	SIM_BSECM        — BSE CM group       (default: "227.0.0.21:12996")
//	SIM_BSEFO        — BSE FO group       (default: "227.0.0.21:12997")
//	SIM_TOKENS       — comma-separated segment:token pairs
//	                   (default: "1:2885,1:26000,2:53001,11:500325,12:842364")
//	SIM_INTERVAL_MS  — emit interval milliseconds (default: "100")
package main

import (
	"encoding/binary"
	"log"
	"math"
	"math/rand"
	"net"
	"os"
	"strconv"
	"time"

	"mdplane-v1/config"
	"mdplane-v1/internal/model"
)

// ─── Simulation state ─────────────────────────────────────────────────────────

// simInstrument holds one token's walking quote, prices in paise.
type simInstrument struct {
	segment model.Segment
	token   uint32

	price     int64
	open      int64
	high      int64
	low       int64
	prevClose int64
	volume    int64
	oi        int64
}

func newInstrument(key model.CompositeKey, price int64) *simInstrument {
	return &simInstrument{
		segment:   key.Segment(),
		token:     key.Token(),
		price:     price,
		open:      price,
		high:      price,
		low:       price,
		prevClose: price - price/200,
		oi:        150_000,
	}
}

// walk applies a ±0.1% step and rolls the day aggregates forward.
func (s *simInstrument) walk() {
	pct := (rand.Float64()*0.2 - 0.1) / 100.0
	s.price += int64(float64(s.price) * pct)
	if s.price < 100 {
		s.price = 100
	}
	if s.price > s.high {
		s.high = s.price
	}
	if s.price < s.low {
		s.low = s.price
	}
	s.volume += int64(rand.Intn(500) + 1)
	s.oi += int64(rand.Intn(201) - 100)
}

func (s *simInstrument) ltq() int64 {
	return int64(rand.Intn(100) + 1)
}

// ─── NSE TRIMM frames (big-endian) ────────────────────────────────────────────

// nsePacket wraps inner messages with the 4-byte packet header and the
// 10-byte uncompressed message prefix each.
func nsePacket(msgs ...[]byte) []byte {
	size := 4
	for _, m := range msgs {
		size += 10 + len(m)
	}
	pkt := make([]byte, 4, size)
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(msgs)))
	for _, m := range msgs {
		pkt = append(pkt, make([]byte, 10)...) // compLen=0 + sequence
		pkt = append(pkt, m...)
	}
	return pkt
}

// nseHeader stamps the 40-byte broadcast header.
func nseHeader(msg []byte, txCode uint16) {
	binary.BigEndian.PutUint16(msg[10:], txCode)
	binary.BigEndian.PutUint16(msg[38:], uint16(len(msg)))
}

// nseTouchline builds one 7200 message: trade fields, ten depth levels
// and the day's OHLC.
func nseTouchline(s *simInstrument) []byte {
	msg := make([]byte, 409)
	nseHeader(msg, 7200)

	be32(msg, 40, uint32(s.token))
	be32(msg, 48, uint32(s.volume))
	be32(msg, 52, uint32(s.price))
	be32(msg, 61, uint32(s.ltq()))
	be32(msg, 65, uint32(time.Now().Unix()))
	be32(msg, 69, uint32((s.price+s.open)/2))

	// Bids below, asks above, one tick apart per level.
	for i := 0; i < 5; i++ {
		bid := 275 + i*10
		ask := 275 + (5+i)*10
		be32(msg, bid, uint32(rand.Intn(900)+100))
		be32(msg, bid+4, uint32(s.price-int64(i+1)*5))
		binary.BigEndian.PutUint16(msg[bid+8:], uint16(rand.Intn(20)+1))
		be32(msg, ask, uint32(rand.Intn(900)+100))
		be32(msg, ask+4, uint32(s.price+int64(i+1)*5))
		binary.BigEndian.PutUint16(msg[ask+8:], uint16(rand.Intn(20)+1))
	}

	// Totals ride as unswapped doubles.
	binary.LittleEndian.PutUint64(msg[375:], math.Float64bits(float64(s.volume*3)))
	binary.LittleEndian.PutUint64(msg[383:], math.Float64bits(float64(s.volume*2)))

	be32(msg, 393, uint32(s.prevClose))
	be32(msg, 397, uint32(s.open))
	be32(msg, 401, uint32(s.high))
	be32(msg, 405, uint32(s.low))
	return msg
}

// nseTicker builds one 7202 message carrying the fill and open interest.
func nseTicker(s *simInstrument) []byte {
	msg := make([]byte, 42+26)
	nseHeader(msg, 7202)
	binary.BigEndian.PutUint16(msg[40:], 1) // record count

	rec := msg[42:]
	be32(rec, 0, uint32(s.token))
	be32(rec, 6, uint32(s.price))
	be32(rec, 10, uint32(s.ltq()))
	be32(rec, 14, uint32(s.oi))
	be32(rec, 18, uint32(s.oi+500))
	be32(rec, 22, uint32(s.oi-500))
	return msg
}

// nseIndices builds one 7207 message for a named index.
func nseIndices(name string, s *simInstrument) []byte {
	msg := make([]byte, 42+71)
	nseHeader(msg, 7207)
	binary.BigEndian.PutUint16(msg[40:], 1)

	rec := msg[42:]
	copy(rec[:21], name)
	be32(rec, 21, uint32(s.price))
	be32(rec, 25, uint32(s.high))
	be32(rec, 29, uint32(s.low))
	be32(rec, 33, uint32(s.open))
	be32(rec, 37, uint32(s.prevClose))
	pct := float64(s.price-s.prevClose) / float64(s.prevClose) * 100.0
	be32(rec, 41, uint32(int32(pct*100)))
	be32(rec, 53, uint32(rand.Intn(1500)+500)) // advances
	be32(rec, 57, uint32(rand.Intn(1500)+500)) // declines
	binary.LittleEndian.PutUint64(rec[61:], math.Float64bits(4.4e12))
	return msg
}

// nseSession builds a market-phase broadcast, header only.
func nseSession(txCode uint16) []byte {
	msg := make([]byte, 40)
	nseHeader(msg, txCode)
	return msg
}

// ─── BSE NFCAST frames (little-endian) ────────────────────────────────────────

// bseHeader allocates a datagram with the message type stamped into the
// 36-byte header.
func bseHeader(msgType uint16, bodyLen int) []byte {
	buf := make([]byte, 36+bodyLen)
	binary.LittleEndian.PutUint16(buf[8:], msgType)
	return buf
}

// bsePicture packs every instrument into 264-byte market picture slots
// of one 2020 datagram.
func bsePicture(insts []*simInstrument) []byte {
	buf := bseHeader(2020, len(insts)*264)
	for i, s := range insts {
		rec := buf[36+i*264:]
		le32(rec, 0, s.token)
		le32(rec, 4, uint32(s.open))
		le32(rec, 8, uint32(s.prevClose))
		le32(rec, 12, uint32(s.high))
		le32(rec, 16, uint32(s.low))
		le32(rec, 24, uint32(s.volume))
		le32(rec, 36, uint32(s.price))
		le32(rec, 64, uint32(s.volume*3))
		le32(rec, 68, uint32(s.volume*2))
		le32(rec, 76, uint32(s.prevClose*9/10))
		le32(rec, 80, uint32(s.prevClose*11/10))
		le32(rec, 84, uint32((s.price+s.open)/2))
		for lvl := 0; lvl < 5; lvl++ {
			bid := 104 + lvl*32
			le32(rec, bid, uint32(s.price-int64(lvl+1)*5))
			le32(rec, bid+4, uint32(rand.Intn(900)+100))
			le32(rec, bid+16, uint32(s.price+int64(lvl+1)*5))
			le32(rec, bid+20, uint32(rand.Intn(900)+100))
		}
	}
	return buf
}

// bseOpenInterest packs one 2015 datagram, count in the header.
func bseOpenInterest(insts []*simInstrument) []byte {
	buf := bseHeader(2015, len(insts)*34)
	binary.LittleEndian.PutUint16(buf[32:], uint16(len(insts)))
	for i, s := range insts {
		rec := buf[36+i*34:]
		le32(rec, 0, s.token)
		binary.LittleEndian.PutUint64(rec[4:], uint64(s.oi))
		le32(rec, 20, uint32(rand.Intn(2000)))
	}
	return buf
}

// bseIndex builds one 2012 datagram for a token-keyed index.
func bseIndex(s *simInstrument) []byte {
	buf := bseHeader(2012, 120)
	rec := buf[36:]
	le32(rec, 0, s.token)
	le32(rec, 12, uint32(s.open))
	le32(rec, 16, uint32(s.high))
	le32(rec, 20, uint32(s.low))
	le32(rec, 24, uint32(s.price))
	le32(rec, 28, uint32(s.prevClose))
	return buf
}

// ─── Generator ────────────────────────────────────────────────────────────────

func runGenerator(conns map[model.Segment]net.Conn, bySeg map[model.Segment][]*simInstrument,
	nifty, sensex *simInstrument, intervalMs int) {

	ticker := time.NewTicker(time.Duration(intervalMs) * time.Millisecond)
	defer ticker.Stop()

	// Declare the market open once so session trackers see a phase.
	for _, seg := range []model.Segment{model.NSECM, model.NSEFO} {
		if conn, ok := conns[seg]; ok {
			conn.Write(nsePacket(nseSession(6511)))
		}
	}

	var sent uint64
	pass := 0
	for range ticker.C {
		pass++
		nifty.walk()
		sensex.walk()

		for seg, conn := range conns {
			insts := bySeg[seg]
			for _, s := range insts {
				s.walk()
			}

			switch seg {
			case model.NSECM, model.NSEFO:
				var msgs [][]byte
				for _, s := range insts {
					msgs = append(msgs, nseTouchline(s))
					if seg == model.NSEFO && pass%10 == 0 {
						msgs = append(msgs, nseTicker(s))
					}
				}
				if seg == model.NSECM && pass%50 == 0 {
					msgs = append(msgs, nseIndices("NIFTY 50", nifty))
				}
				if len(msgs) == 0 {
					continue
				}
				conn.Write(nsePacket(msgs...))
				sent++

			case model.BSECM, model.BSEFO:
				if len(insts) > 0 {
					conn.Write(bsePicture(insts))
					sent++
					if seg == model.BSEFO && pass%10 == 0 {
						conn.Write(bseOpenInterest(insts))
						sent++
					}
				}
				if seg == model.BSECM && pass%50 == 0 {
					conn.Write(bseIndex(sensex))
					sent++
				}
			}
		}

		if pass%100 == 0 {
			log.Printf("[udpsim] %d datagrams sent", sent)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[udpsim] starting multicast feed simulator...")

	groups := map[model.Segment]string{
		model.NSECM: envOrDefault("SIM_NSECM", "233.1.2.5:34330"),
		model.NSEFO: envOrDefault("SIM_NSEFO", "233.1.2.6:34331"),
		model.BSECM: envOrDefault("SIM_BSECM", "227.0.0.21:12996"),
		model.BSEFO: envOrDefault("SIM_BSEFO", "227.0.0.21:12997"),
	}
	tokensEnv := envOrDefault("SIM_TOKENS", "1:2885,1:26000,2:53001,11:500325,12:842364")
	intervalMs := envIntOrDefault("SIM_INTERVAL_MS", 100)

	keys := config.ParseKeys(tokensEnv)
	if len(keys) == 0 {
		log.Fatalf("[udpsim] no instruments configured via SIM_TOKENS")
	}

	// Seed prices in paise; unknown tokens start at ₹1000.
	seedPrices := map[string]int64{
		"NSECM:2885":   2_850_00,  // Reliance
		"NSECM:26000":  24_800_00, // NIFTY 50 spot
		"NSEFO:53001":  24_850_00, // NIFTY future
		"BSECM:500325": 2_851_00,  // Reliance on BSE
		"BSEFO:842364": 81_200_00, // SENSEX future
	}
	bySeg := make(map[model.Segment][]*simInstrument)
	for _, key := range keys {
		price := seedPrices[key.String()]
		if price == 0 {
			price = 1_000_00
		}
		bySeg[key.Segment()] = append(bySeg[key.Segment()], newInstrument(key, price))
	}

	nifty := newInstrument(model.MakeKey(model.NSECM, 26000), 24_800_00)
	sensex := newInstrument(model.MakeKey(model.BSECM, 1), 81_000_00)

	conns := make(map[model.Segment]net.Conn)
	for seg, addr := range groups {
		if len(bySeg[seg]) == 0 && seg != model.NSECM && seg != model.BSECM {
			continue // nothing to emit for this group
		}
		conn, err := net.Dial("udp4", addr)
		if err != nil {
			log.Fatalf("[udpsim] dial %s (%s): %v", addr, seg, err)
		}
		defer conn.Close()
		conns[seg] = conn
		log.Printf("[udpsim] %s -> %s, %d instruments", seg, addr, len(bySeg[seg]))
	}

	log.Printf("[udpsim] emit interval: %dms", intervalMs)
	runGenerator(conns, bySeg, nifty, sensex, intervalMs)
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func be32(b []byte, off int, v uint32) {
	binary.BigEndian.PutUint32(b[off:], v)
}

func le32(b []byte, off int, v uint32) {
	binary.LittleEndian.PutUint32(b[off:], v)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
