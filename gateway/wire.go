package gateway

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gateflow/models"
)

// Opcode identifies one outbound request type on the wire.
type Opcode int

// Outbound request opcodes. The numbering is fixed by the gateway protocol.
const (
	OpReqMarketData        Opcode = 1
	OpCancelMarketData     Opcode = 2
	OpPlaceOrder           Opcode = 3
	OpCancelOrder          Opcode = 4
	OpReqOpenOrders        Opcode = 5
	OpReqAccountUpdates    Opcode = 6
	OpReqExecutions        Opcode = 7
	OpReqIDs               Opcode = 8
	OpReqContractDetails   Opcode = 9
	OpReqHistoricalData    Opcode = 20
	OpCancelHistoricalData Opcode = 25
	OpReqCurrentTime       Opcode = 49
	OpReqRealTimeBars      Opcode = 50
	OpCancelRealTimeBars   Opcode = 51
	OpReqPositions         Opcode = 61
	OpReqAccountSummary    Opcode = 62
	OpCancelAccountSummary Opcode = 63
	OpCancelPositions      Opcode = 64
	OpStartAPI             Opcode = 71
)

// Inbound server event ids.
const (
	srvTickPrice         = 1
	srvTickSize          = 2
	srvOrderStatus       = 3
	srvErrMsg            = 4
	srvOpenOrder         = 5
	srvAcctValue         = 6
	srvAcctUpdateTime    = 8
	srvNextValidID       = 9
	srvContractData      = 10
	srvExecutionData     = 11
	srvManagedAccts      = 15
	srvHistoricalData    = 17
	srvTickString        = 46
	srvCurrentTime       = 49
	srvRealTimeBar       = 50
	srvContractDataEnd   = 52
	srvOpenOrderEnd      = 53
	srvAcctDownloadEnd   = 54
	srvExecutionDataEnd  = 55
	srvTickSnapshotEnd   = 57
	srvMarketDataType    = 58
	srvPosition          = 61
	srvPositionEnd       = 62
	srvAccountSummary    = 63
	srvAccountSummaryEnd = 64
	srvHistoricalDataEnd = 90
)

const (
	executionTimeLayout = "20060102-15:04:05"
	maxFrameSize        = 16 * 1024 * 1024
)

// Request is one outbound wire message: an opcode plus its ordered field
// list. Transports own the framing; the request façade only builds these.
type Request struct {
	Op     Opcode
	Fields []string
}

func newRequest(op Opcode, fields ...string) Request {
	return Request{Op: op, Fields: fields}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatBool(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// encodeFrame frames a request as a big-endian length prefix followed by the
// opcode and fields, each terminated by a NUL byte.
func encodeFrame(req Request) ([]byte, error) {
	var body bytes.Buffer
	body.WriteString(strconv.Itoa(int(req.Op)))
	body.WriteByte(0)
	for _, f := range req.Fields {
		if strings.ContainsRune(f, 0) {
			return nil, fmt.Errorf("field contains NUL byte: %q", f)
		}
		body.WriteString(f)
		body.WriteByte(0)
	}

	out := new(bytes.Buffer)
	if err := binary.Write(out, binary.BigEndian, uint32(body.Len())); err != nil {
		return nil, fmt.Errorf("encode frame size: %w", err)
	}
	if _, err := body.WriteTo(out); err != nil {
		return nil, fmt.Errorf("encode frame body: %w", err)
	}
	return out.Bytes(), nil
}

// readFrame reads one length-prefixed frame and splits it into the server
// event id and its fields.
func readFrame(r io.Reader) (int, []string, error) {
	var size uint32
	if err := binary.Read(r, binary.BigEndian, &size); err != nil {
		return 0, nil, fmt.Errorf("read frame size: %w", err)
	}
	if size == 0 || size > maxFrameSize {
		return 0, nil, fmt.Errorf("frame size %d out of range", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame body: %w", err)
	}

	parts := strings.Split(strings.TrimSuffix(string(payload), "\x00"), "\x00")
	if len(parts) == 0 || parts[0] == "" {
		return 0, nil, fmt.Errorf("frame missing event id")
	}
	eventID, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, nil, fmt.Errorf("frame event id %q: %w", parts[0], err)
	}
	return eventID, parts[1:], nil
}

// fieldsByteSize approximates the wire size of a decoded field list for the
// runtime report counters.
func fieldsByteSize(fields []string) int {
	n := 0
	for _, f := range fields {
		n += len(f) + 1
	}
	return n
}

// fieldReader walks a decoded field list without repeated bounds checks.
// Missing fields read as zero values so short events from older gateway
// versions still decode.
type fieldReader struct {
	fields []string
	pos    int
}

func (fr *fieldReader) next() string {
	if fr.pos >= len(fr.fields) {
		return ""
	}
	s := fr.fields[fr.pos]
	fr.pos++
	return s
}

func (fr *fieldReader) nextInt() int {
	v, _ := strconv.Atoi(fr.next())
	return v
}

func (fr *fieldReader) nextInt64() int64 {
	v, err := strconv.ParseInt(fr.next(), 10, 64)
	if err != nil {
		return 0
	}
	return v
}

func (fr *fieldReader) nextFloat() float64 {
	v, _ := strconv.ParseFloat(fr.next(), 64)
	return v
}

func (fr *fieldReader) nextContract() models.Contract {
	return models.Contract{
		Symbol:   fr.next(),
		SecType:  fr.next(),
		Exchange: fr.next(),
		Currency: fr.next(),
	}
}

func (fr *fieldReader) rest() []string {
	out := fr.fields[fr.pos:]
	fr.pos = len(fr.fields)
	return out
}

// decodeEvent translates one inbound wire event into the uniform message
// record. Events the decoder does not recognise come back as KindUnknown with
// the raw fields preserved in the payload so catch-all subscribers can still
// record them.
func decodeEvent(eventID int, fields []string) models.Message {
	fr := &fieldReader{fields: fields}

	switch eventID {
	case srvTickPrice:
		fr.next() // version
		msg := models.NewMessage(models.KindTickPrice)
		msg.TickerID = fr.nextInt64()
		msg.Payload = models.Tick{
			Type:  fr.nextInt(),
			Price: fr.nextFloat(),
			Size:  fr.nextFloat(),
		}
		return msg

	case srvTickSize:
		fr.next()
		msg := models.NewMessage(models.KindTickSize)
		msg.TickerID = fr.nextInt64()
		msg.Payload = models.Tick{
			Type: fr.nextInt(),
			Size: fr.nextFloat(),
		}
		return msg

	case srvTickString:
		fr.next()
		msg := models.NewMessage(models.KindTickString)
		msg.TickerID = fr.nextInt64()
		msg.Payload = models.Tick{
			Type:  fr.nextInt(),
			Value: fr.next(),
		}
		return msg

	case srvTickSnapshotEnd:
		fr.next()
		msg := models.NewMessage(models.KindTickSnapshotEnd)
		msg.TickerID = fr.nextInt64()
		return msg

	case srvMarketDataType:
		fr.next()
		msg := models.NewMessage(models.KindMarketDataType)
		msg.TickerID = fr.nextInt64()
		msg.Code = fr.nextInt()
		return msg

	case srvRealTimeBar:
		fr.next()
		msg := models.NewMessage(models.KindRealTimeBar)
		msg.TickerID = fr.nextInt64()
		msg.Payload = models.Bar{
			Time:   time.Unix(fr.nextInt64(), 0).UTC(),
			Open:   fr.nextFloat(),
			High:   fr.nextFloat(),
			Low:    fr.nextFloat(),
			Close:  fr.nextFloat(),
			Volume: fr.nextFloat(),
			WAP:    fr.nextFloat(),
			Count:  fr.nextInt64(),
		}
		return msg

	case srvOrderStatus:
		fr.next()
		msg := models.NewMessage(models.KindOrderStatus)
		msg.OrderID = fr.nextInt64()
		state := models.OrderState{
			Status:       fr.next(),
			Filled:       fr.nextFloat(),
			Remaining:    fr.nextFloat(),
			AvgFillPrice: fr.nextFloat(),
			PermID:       fr.nextInt64(),
			ParentID:     fr.nextInt64(),
		}
		state.LastFillPrice = fr.nextFloat()
		fr.next() // client id
		state.WhyHeld = fr.next()
		msg.Payload = state
		return msg

	case srvOpenOrder:
		fr.next()
		msg := models.NewMessage(models.KindOpenOrder)
		msg.OrderID = fr.nextInt64()
		open := models.OpenOrder{Contract: fr.nextContract()}
		open.Order = models.Order{
			Action:     fr.next(),
			Quantity:   fr.nextFloat(),
			OrderType:  fr.next(),
			LimitPrice: fr.nextFloat(),
			Account:    fr.next(),
		}
		open.Status = fr.next()
		msg.Payload = open
		return msg

	case srvOpenOrderEnd:
		// The gateway sends this marker without an order id.
		return models.NewMessage(models.KindOpenOrderEnd)

	case srvNextValidID:
		fr.next()
		msg := models.NewMessage(models.KindNextValidID)
		msg.OrderID = fr.nextInt64()
		return msg

	case srvContractData:
		fr.next()
		msg := models.NewMessage(models.KindContractDetails)
		msg.RequestID = fr.nextInt64()
		msg.Payload = models.ContractDetails{
			Contract:       fr.nextContract(),
			MarketName:     fr.next(),
			MinTick:        fr.nextFloat(),
			OrderTypes:     fr.next(),
			ValidExchanges: fr.next(),
			LongName:       fr.next(),
			ContractMonth:  fr.next(),
		}
		return msg

	case srvContractDataEnd:
		fr.next()
		msg := models.NewMessage(models.KindContractDetailsEnd)
		msg.RequestID = fr.nextInt64()
		return msg

	case srvHistoricalData:
		fr.next()
		msg := models.NewMessage(models.KindHistoricalData)
		msg.RequestID = fr.nextInt64()
		msg.Payload = models.Bar{
			Time:   time.Unix(fr.nextInt64(), 0).UTC(),
			Open:   fr.nextFloat(),
			High:   fr.nextFloat(),
			Low:    fr.nextFloat(),
			Close:  fr.nextFloat(),
			Volume: fr.nextFloat(),
			Count:  fr.nextInt64(),
		}
		return msg

	case srvHistoricalDataEnd:
		fr.next()
		msg := models.NewMessage(models.KindHistoricalDataEnd)
		msg.RequestID = fr.nextInt64()
		return msg

	case srvExecutionData:
		fr.next()
		msg := models.NewMessage(models.KindExecution)
		msg.RequestID = fr.nextInt64()
		exec := models.Execution{
			ExecID:   fr.next(),
			OrderID:  fr.nextInt64(),
			Contract: fr.nextContract(),
		}
		if t, err := time.Parse(executionTimeLayout, fr.next()); err == nil {
			exec.Time = t
		}
		exec.Side = fr.next()
		exec.Shares = fr.nextFloat()
		exec.Price = fr.nextFloat()
		exec.CumQty = fr.nextFloat()
		exec.AvgPrice = fr.nextFloat()
		msg.Payload = exec
		return msg

	case srvExecutionDataEnd:
		fr.next()
		msg := models.NewMessage(models.KindExecutionEnd)
		msg.RequestID = fr.nextInt64()
		return msg

	case srvPosition:
		fr.next()
		msg := models.NewMessage(models.KindPosition)
		msg.RequestID = fr.nextInt64()
		msg.Account = fr.next()
		msg.Payload = models.Position{
			Contract: fr.nextContract(),
			Quantity: fr.nextFloat(),
			AvgCost:  fr.nextFloat(),
		}
		return msg

	case srvPositionEnd:
		fr.next()
		msg := models.NewMessage(models.KindPositionEnd)
		msg.RequestID = fr.nextInt64()
		return msg

	case srvAccountSummary:
		fr.next()
		msg := models.NewMessage(models.KindAccountSummary)
		msg.RequestID = fr.nextInt64()
		msg.Account = fr.next()
		msg.Payload = models.AccountSummaryValue{
			Tag:      fr.next(),
			Value:    fr.next(),
			Currency: fr.next(),
		}
		return msg

	case srvAccountSummaryEnd:
		fr.next()
		msg := models.NewMessage(models.KindAccountSummaryEnd)
		msg.RequestID = fr.nextInt64()
		return msg

	case srvAcctValue:
		fr.next()
		msg := models.NewMessage(models.KindAccountValue)
		msg.Payload = models.AccountValue{
			Key:      fr.next(),
			Value:    fr.next(),
			Currency: fr.next(),
		}
		msg.Account = fr.next()
		return msg

	case srvAcctUpdateTime:
		fr.next()
		msg := models.NewMessage(models.KindAccountTime)
		msg.Text = fr.next()
		return msg

	case srvAcctDownloadEnd:
		fr.next()
		msg := models.NewMessage(models.KindAccountDownloadEnd)
		msg.Account = fr.next()
		return msg

	case srvErrMsg:
		fr.next()
		msg := models.NewMessage(models.KindError)
		if id := fr.nextInt64(); id >= 0 {
			msg.RequestID = id
		}
		msg.Code = fr.nextInt()
		msg.Text = fr.next()
		return msg

	case srvManagedAccts:
		fr.next()
		msg := models.NewMessage(models.KindManagedAccounts)
		msg.Text = fr.next()
		return msg

	case srvCurrentTime:
		fr.next()
		msg := models.NewMessage(models.KindCurrentTime)
		msg.Payload = time.Unix(fr.nextInt64(), 0).UTC()
		return msg
	}

	msg := models.NewMessage(models.KindUnknown)
	msg.Code = eventID
	msg.Payload = fr.rest()
	return msg
}
