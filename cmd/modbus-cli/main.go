package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"math"
	"net"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/grid-x/serial"
	bugst "go.bug.st/serial"
	"go.bug.st/serial/enumerator"

	"github.com/grid-x/modbus-engine"
	"github.com/grid-x/modbus-engine/internal/logger"
)

func main() {
	var opt option
	// general
	flag.StringVar(&opt.address, "address", "tcp://127.0.0.1:502", "Example: tcp://127.0.0.1:502, rtu:///dev/ttyUSB0, rtuovertcp://127.0.0.1:502, asciiovertcp://127.0.0.1:502, rtuoverudp://127.0.0.1:502")
	flag.IntVar(&opt.unit, "unit", 1, "Unit identifier, used for intra-system routing, typically for serial connections, TCP default 0xFF")
	flag.DurationVar(&opt.timeout, "timeout", 20*time.Second, "Modbus request timeout")
	// rtu
	flag.IntVar(&opt.rtu.baudrate, "rtu-baudrate", 2400, "Symbol rate, e.g.: 300, 600, 1200, 2400, 4800, 9600, 19200, 38400")
	flag.IntVar(&opt.rtu.dataBits, "rtu-databits", 8, "5, 6, 7 or 8")
	flag.StringVar(&opt.rtu.parity, "rtu-parity", "E", "Parity: N - None, E - Even, O - Odd")
	flag.IntVar(&opt.rtu.stopBits, "rtu-stopbits", 1, "1 or 2")
	// rs485
	flag.BoolVar(&opt.rtu.rs485.enabled, "rs485-enable", false, "enables rs485 cfg")
	flag.DurationVar(&opt.rtu.rs485.delayRtsBeforeSend, "rs485-delayRtsBeforeSend", 0, "Delay rts before send")
	flag.DurationVar(&opt.rtu.rs485.delayRtsAfterSend, "rs485-delayRtsAfterSend", 0, "Delay rts after send")
	flag.BoolVar(&opt.rtu.rs485.rtsHighDuringSend, "rs485-rtsHighDuringSend", false, "Allow rts high during send")
	flag.BoolVar(&opt.rtu.rs485.rtsHighAfterSend, "rs485-rtsHighAfterSend", false, "Allow rts high after send")
	flag.BoolVar(&opt.rtu.rs485.rxDuringTx, "rs485-rxDuringTx", false, "Allow bidirectional rx during tx")

	var (
		register        = flag.Int("register", -1, "")
		fnCode          = flag.Int("fn-code", 0x03, "fn")
		quantity        = flag.Int("quantity", 2, "register quantity, length in bytes")
		eType           = flag.String("type-exec", "uint16", "")
		pType           = flag.String("type-parse", "raw", "type to parse the register result. Use 'raw' if you want to see the raw bits and bytes. Use 'all' if you want to decode the result to different commonly used formats.")
		writeValue      = flag.Float64("write-value", math.MaxFloat64, "")
		readParseOrder  = flag.String("read-parse-order", "", "order to parse the register that was read out. Valid values: [AB, BA, ABCD, DCBA, BADC, CDAB]. Can only be used for 16bit (1 register) and 32bit (2 registers). If used, it will overwrite the big-endian or little-endian parameter.")
		writeParseOrder = flag.String("write-exec-order", "", "order to execute the register(s) that should be written to. Valid values: [AB, BA, ABCD, DCBA, BADC, CDAB]. Can only be used for 16bit (1 register) and 32bit (2 registers). If used, it will overwrite the big-endian or little-endian parameter.")
		parseBigEndian  = flag.Bool("order-parse-bigendian", true, "t: big, f: little")
		execBigEndian   = flag.Bool("order-exec-bigendian", true, "t: big, f: little")
		filename        = flag.String("filename", "", "")
		logframe        = flag.Bool("log-frame", false, "prints received and send modbus frame to stderr")
		listPorts       = flag.Bool("list-ports", false, "list the serial ports of this machine and exit")
	)

	flag.Parse()

	if len(os.Args) == 1 {
		flag.PrintDefaults()
		return
	}

	level := "info"
	if *logframe {
		level = "debug"
	}
	log, err := logger.New(os.Stderr, level)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}

	if *listPorts {
		if err := printPorts(os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	if *register > math.MaxUint16 || *register < 0 {
		log.Fatalf("invalid register value: %d", *register)
	}
	if opt.unit > math.MaxUint8 || opt.unit < 0 {
		log.Fatalf("invalid unit value: %d", opt.unit)
	}

	startReg := uint16(*register)

	if *logframe {
		opt.logger = &frameLogger{log}
	}

	var (
		eo binary.ByteOrder = binary.BigEndian
		po binary.ByteOrder = binary.BigEndian
	)
	if !*execBigEndian {
		eo = binary.LittleEndian
	}

	if !*parseBigEndian {
		po = binary.LittleEndian
	}

	ctx, cancel := context.WithTimeout(context.Background(), opt.timeout)
	defer cancel()

	client, err := newClient(ctx, opt)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	result, err := exec(ctx, client, byte(opt.unit), eo, *writeParseOrder, startReg, *fnCode, *writeValue, *eType, *quantity)
	if err != nil {
		log.Fatal(err)
	}

	var res string
	switch *pType {
	case "raw":
		res, err = resultToRawString(result, int(startReg))
	case "all":
		res, err = resultToAllString(result)
	default:
		res, err = resultToString(result, po, *readParseOrder, *pType)
	}

	if err != nil {
		log.Fatal(err)
	}

	log.Info(res)

	if *filename != "" {
		if err := resultToFile([]byte(res), *filename); err != nil {
			log.Fatal(err)
		}
		log.Infof("%s successfully written", *filename)
	}
}

// exec runs the function fnCode and returns the payload in wire layout:
// registers big endian, bits packed LSB first.
func exec(
	ctx context.Context,
	client *modbus.Client,
	unit byte,
	o binary.ByteOrder,
	forcedOrder string,
	register uint16,
	fnCode int,
	wval float64,
	etype string,
	quantity int,
) ([]byte, error) {
	if quantity < 0 || quantity > math.MaxUint16 {
		return nil, fmt.Errorf("invalid quantity: %d", quantity)
	}
	var (
		bits      []bool
		registers []uint16
		err       error
	)
	switch modbus.FunctionCode(fnCode) {
	case modbus.FuncCodeReadCoils:
		bits, err = client.ReadCoils(ctx, unit, register, uint16(quantity))
	case modbus.FuncCodeReadDiscreteInputs:
		bits, err = client.ReadDiscreteInputs(ctx, unit, register, uint16(quantity))
	case modbus.FuncCodeWriteSingleCoil:
		on := wval > 0
		if err = client.WriteSingleCoil(ctx, unit, register, on); err == nil {
			bits = []bool{on}
		}
	case modbus.FuncCodeWriteSingleRegister:
		if wval > math.MaxUint16 || wval < 0 {
			err = fmt.Errorf("overflow: %f does not fit into datatype uint16", wval)
			break
		}
		if err = client.WriteSingleRegister(ctx, unit, register, uint16(wval)); err == nil {
			registers = []uint16{uint16(wval)}
		}
	case modbus.FuncCodeWriteMultipleRegisters:
		var buf []byte
		buf, err = convertToBytes(etype, o, forcedOrder, wval)
		if err != nil {
			break
		}
		registers = make([]uint16, len(buf)/2)
		for i := range registers {
			registers[i] = binary.BigEndian.Uint16(buf[2*i:])
		}
		err = client.WriteMultipleRegisters(ctx, unit, register, registers)
	case modbus.FuncCodeReadInputRegisters:
		registers, err = client.ReadInputRegisters(ctx, unit, register, uint16(quantity))
	case modbus.FuncCodeReadHoldingRegisters:
		registers, err = client.ReadHoldingRegisters(ctx, unit, register, uint16(quantity))
	default:
		err = fmt.Errorf("function code %d is unsupported", fnCode)
	}
	if err != nil {
		return nil, err
	}
	if bits != nil {
		return packBits(bits), nil
	}
	var result []byte
	for _, r := range registers {
		result = binary.BigEndian.AppendUint16(result, r)
	}
	return result, nil
}

func packBits(bits []bool) []byte {
	packed := make([]byte, (len(bits)+7)/8)
	for i, b := range bits {
		if b {
			packed[i/8] |= 1 << (i % 8)
		}
	}
	return packed
}

func convertToBytes(eType string, order binary.ByteOrder, forcedOrder string, val float64) ([]byte, error) {
	fo := strings.ToUpper(forcedOrder)
	switch fo {
	case "":
		// nothing is forced
	case "AB", "ABCD", "BADC":
		order = binary.BigEndian
	case "BA", "DCBA", "CDAB":
		order = binary.LittleEndian
	default:
		return nil, fmt.Errorf("forced order %s not known", strings.ToUpper(forcedOrder))
	}

	w := newWriter(order)
	var buf []byte
	var err error
	overflow := func(lo, hi float64) bool {
		if val > hi || val < lo {
			err = fmt.Errorf("overflow: %f does not fit into datatype %s", val, eType)
			return true
		}
		return false
	}
	switch eType {
	case "int16":
		if !overflow(math.MinInt16, math.MaxInt16) {
			buf = w.to(int16(val))
		}
	case "uint16":
		if !overflow(0, math.MaxUint16) {
			buf = w.to(uint16(val))
		}
	case "int32":
		if !overflow(math.MinInt32, math.MaxInt32) {
			buf = w.to(int32(val))
		}
	case "uint32":
		if !overflow(0, math.MaxUint32) {
			buf = w.to(uint32(val))
		}
	case "float32":
		if !overflow(-math.MaxFloat32, math.MaxFloat32) {
			buf = w.to(float32(val))
		}
	case "float64":
		buf = w.to(val)
	default:
		err = fmt.Errorf("unsupported datatype: %s", eType)
	}

	// flip bytes when CDAB or BADC are used (and we have 4 bytes)
	if (fo == "CDAB" || fo == "BADC") && len(buf) == 4 {
		buf = []byte{buf[1], buf[0], buf[3], buf[2]}
	}

	return buf, err
}

func resultToFile(r []byte, filename string) error {
	return os.WriteFile(filename, r, 0644)
}

func resultToRawString(r []byte, startReg int) (string, error) {
	var res strings.Builder
	for i := 0; i < len(r)/2; i++ {
		reg := startReg + i
		fmt.Fprintf(&res, "%d\t0x%X 0x%X\t %b %b\n", reg, r[i*2], r[i*2+1], r[i*2], r[i*2+1])
	}
	if len(r)%2 == 1 {
		last := r[len(r)-1]
		fmt.Fprintf(&res, "%d\t0x%X\t %08b\n", startReg+len(r)/2, last, last)
	}
	return res.String(), nil
}

// allFormats lists the interpretations printed by resultToAllString per
// payload size.
var allFormats = map[int][]struct {
	label, varType, order string
	byteOrder            binary.ByteOrder
}{
	2: {
		{"INT16\tBig Endian (AB)", "int16", "", binary.BigEndian},
		{"INT16\tLittle Endian (BA)", "int16", "", binary.LittleEndian},
		{"", "", "", nil},
		{"UINT16\tBig Endian (AB)", "uint16", "", binary.BigEndian},
		{"UINT16\tLittle Endian (BA)", "uint16", "", binary.LittleEndian},
	},
	4: {
		{"INT32\tBig Endian (ABCD)", "int32", "", binary.BigEndian},
		{"INT32\tLittle Endian (DCBA)", "int32", "", binary.LittleEndian},
		{"INT32\tMid-Big Endian (BADC)", "int32", "BADC", binary.BigEndian},
		{"INT32\tMid-Little Endian (CDAB)", "int32", "CDAB", binary.LittleEndian},
		{"", "", "", nil},
		{"UINT32\tBig Endian (ABCD)", "uint32", "", binary.BigEndian},
		{"UINT32\tLittle Endian (DCBA)", "uint32", "", binary.LittleEndian},
		{"UINT32\tMid-Big Endian (BADC)", "uint32", "BADC", binary.BigEndian},
		{"UINT32\tMid-Little Endian (CDAB)", "uint32", "CDAB", binary.LittleEndian},
		{"", "", "", nil},
		{"Float32\tBig Endian (ABCD)", "float32", "", binary.BigEndian},
		{"Float32\tLittle Endian (DCBA)", "float32", "", binary.LittleEndian},
		{"Float32\tMid-Big Endian (BADC)", "float32", "BADC", binary.BigEndian},
		{"Float32\tMid-Little Endian (CDAB)", "float32", "CDAB", binary.LittleEndian},
	},
}

func resultToAllString(result []byte) (string, error) {
	formats, ok := allFormats[len(result)]
	if !ok {
		return "", fmt.Errorf("can't convert data with length %d", len(result))
	}
	buf := new(bytes.Buffer)
	w := tabwriter.NewWriter(buf, 0, 0, 2, ' ', 0)
	for _, f := range formats {
		if f.byteOrder == nil {
			fmt.Fprintln(w, "\t")
			continue
		}
		s, err := resultToString(result, f.byteOrder, f.order, f.varType)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(w, "%s:\t%s\t\n", f.label, s)
	}
	if err := w.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func resultToString(r []byte, order binary.ByteOrder, forcedOrder string, varType string) (string, error) {
	fo := strings.ToUpper(forcedOrder)
	switch fo {
	case "":
		// nothing is forced
	case "AB", "ABCD", "BADC":
		order = binary.BigEndian
	case "BA", "DCBA", "CDAB":
		order = binary.LittleEndian
	default:
		return "", fmt.Errorf("forced order %s not known", strings.ToUpper(forcedOrder))
	}

	if (fo == "CDAB" || fo == "BADC") && len(r) == 4 {
		// flip result
		r = []byte{r[1], r[0], r[3], r[2]}
	}

	var data interface{}
	switch varType {
	case "string":
		return string(r), nil
	case "uint16":
		data = new(uint16)
	case "int16":
		data = new(int16)
	case "uint32":
		data = new(uint32)
	case "int32":
		data = new(int32)
	case "uint64":
		data = new(uint64)
	case "int64":
		data = new(int64)
	case "float32":
		data = new(float32)
	default:
		return "", fmt.Errorf("unsupported datatype: %s", varType)
	}
	if err := binary.Read(bytes.NewReader(r), order, data); err != nil {
		return "", err
	}
	switch v := data.(type) {
	case *float32:
		return fmt.Sprintf("%f", *v), nil
	case *uint16:
		return fmt.Sprintf("%d", *v), nil
	case *int16:
		return fmt.Sprintf("%d", *v), nil
	case *uint32:
		return fmt.Sprintf("%d", *v), nil
	case *int32:
		return fmt.Sprintf("%d", *v), nil
	case *uint64:
		return fmt.Sprintf("%d", *v), nil
	default:
		return fmt.Sprintf("%d", *v.(*int64)), nil
	}
}

// printPorts lists serial ports, with USB details where available.
func printPorts(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	details, err := enumerator.GetDetailedPortsList()
	if err != nil || len(details) == 0 {
		ports, err := bugst.GetPortsList()
		if err != nil {
			return fmt.Errorf("listing serial ports: %w", err)
		}
		for _, p := range ports {
			fmt.Fprintf(w, "%s\t\n", p)
		}
		return w.Flush()
	}
	for _, p := range details {
		if p.IsUSB {
			fmt.Fprintf(w, "%s\tUSB %s:%s\t%s\t%s\t\n", p.Name, p.VID, p.PID, p.SerialNumber, p.Product)
		} else {
			fmt.Fprintf(w, "%s\t\t\t\t\n", p.Name)
		}
	}
	return w.Flush()
}

type option struct {
	address string
	unit    int
	timeout time.Duration

	logger *frameLogger

	rtu struct {
		baudrate int
		dataBits int
		parity   string
		stopBits int
		rs485    struct {
			enabled            bool
			delayRtsBeforeSend time.Duration
			delayRtsAfterSend  time.Duration
			rtsHighDuringSend  bool
			rtsHighAfterSend   bool
			rxDuringTx         bool
		}
	}
}

func newClient(ctx context.Context, o option) (*modbus.Client, error) {
	u, err := url.Parse(o.address)
	if err != nil {
		return nil, err
	}
	opts := []modbus.ClientOption{modbus.WithTimeout(o.timeout)}
	if o.logger != nil {
		opts = append(opts, modbus.WithLogger(o.logger))
	}
	switch u.Scheme {
	case "rtu":
		cfg := modbus.NewSerialConfig(u.Path)
		cfg.BaudRate = o.rtu.baudrate
		cfg.DataBits = o.rtu.dataBits
		cfg.Parity = o.rtu.parity
		cfg.StopBits = o.rtu.stopBits
		cfg.RS485 = serial.RS485Config{
			Enabled:            o.rtu.rs485.enabled,
			DelayRtsBeforeSend: o.rtu.rs485.delayRtsBeforeSend,
			DelayRtsAfterSend:  o.rtu.rs485.delayRtsAfterSend,
			RtsHighDuringSend:  o.rtu.rs485.rtsHighDuringSend,
			RtsHighAfterSend:   o.rtu.rs485.rtsHighAfterSend,
			RxDuringTx:         o.rtu.rs485.rxDuringTx,
		}
		return modbus.DialRTU(cfg, opts...)
	case "tcp":
		return modbus.DialTCP(ctx, u.Host, opts...)
	case "rtuovertcp":
		return modbus.DialTCP(ctx, u.Host, append(opts, modbus.WithFramer(modbus.RTUFramer{}))...)
	case "asciiovertcp":
		return modbus.DialTCP(ctx, u.Host, append(opts, modbus.WithFramer(modbus.ASCIIFramer{}))...)
	case "rtuoverudp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "udp", u.Host)
		if err != nil {
			return nil, err
		}
		return modbus.NewClient(conn, append(opts, modbus.WithFramer(modbus.RTUFramer{}))...), nil
	}

	return nil, fmt.Errorf("unsupported scheme: %s", u.Scheme)
}

func newWriter(o binary.ByteOrder) *writer {
	return &writer{order: o}
}

type writer struct {
	order binary.ByteOrder
}

func (w *writer) to(v interface{}) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, w.order, v); err != nil {
		panic(fmt.Sprintf("binary.Write failed: %s", err.Error()))
	}
	return buf.Bytes()
}
