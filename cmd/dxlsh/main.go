// Command dxlsh is an interactive shell for poking at Dynamixel motors on a
// serial bus: scanning, reading and writing registers, and moving motors
// directly, without a running controller loop.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/abiosoft/ishell/v2"

	"github.com/dynamixel-go/dynamixel"
	"github.com/dynamixel-go/dynamixel/transports"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file")
		port       = flag.String("port", "", "serial port (overrides config)")
		baud       = flag.Int("baud", 0, "baud rate (overrides config)")
	)
	flag.Parse()

	cfg, err := dynamixel.LoadConfig(*configPath)
	if err != nil {
		log.Fatal(err)
	}
	if *port != "" {
		cfg.Port = *port
	}
	if *baud != 0 {
		cfg.BaudRate = *baud
	}
	if cfg.Port == "" {
		ports, err := transports.ListPorts()
		if err != nil || len(ports) == 0 {
			log.Fatal("no serial port configured and none detected (use -port or a config file)")
		}
		log.Printf("no port configured, using %s (detected: %v)", ports[0], ports)
		cfg.Port = ports[0]
	}

	bus, err := dynamixel.NewBus(cfg.BusConfig())
	if err != nil {
		log.Fatal(err)
	}
	defer bus.Close()

	sh := newShell(bus)
	sh.Println("dxlsh - Dynamixel bus shell. Type 'help' for commands.")
	sh.Run()
}

type session struct {
	bus    *dynamixel.Bus
	models map[int]*dynamixel.Model
}

func newShell(bus *dynamixel.Bus) *ishell.Shell {
	s := &session{bus: bus, models: make(map[int]*dynamixel.Model)}
	sh := ishell.New()

	sh.AddCmd(&ishell.Cmd{
		Name: "scan",
		Help: "scan [start end] - find motors on the bus",
		Func: s.scan,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "ping",
		Help: "ping <id> - check whether a motor responds",
		Func: s.ping,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "read",
		Help: "read <id> <register> - read a register in engineering units",
		Func: s.read,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "write",
		Help: "write <id> <register> <value> - write a register in engineering units",
		Func: s.write,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "pos",
		Help: "pos <id> [degrees] - read or set the goal position",
		Func: s.pos,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "torque",
		Help: "torque <id> on|off - enable or disable holding torque",
		Func: s.torque,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "regs",
		Help: "regs <id> - dump the motor's register table with live values",
		Func: s.regs,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "reset",
		Help: "reset <id> - factory reset a motor (reverts to id 1)",
		Func: s.reset,
	})
	sh.AddCmd(&ishell.Cmd{
		Name: "models",
		Help: "models - list known motor models",
		Func: s.listModels,
	})

	return sh
}

func (s *session) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

// modelFor identifies the motor's model from its model number register,
// caching the answer per id.
func (s *session) modelFor(ctx context.Context, id int) (*dynamixel.Model, error) {
	if m, ok := s.models[id]; ok {
		return m, nil
	}
	res, err := s.bus.ReadData(ctx, id, 0, 2)
	if err != nil {
		return nil, err
	}
	m := dynamixel.LookupModel(int(dynamixel.DecodeWord(res.Data)))
	s.models[id] = m
	return m, nil
}

func (s *session) scan(c *ishell.Context) {
	start, end := 0, 30
	if len(c.Args) == 2 {
		start, _ = strconv.Atoi(c.Args[0])
		end, _ = strconv.Atoi(c.Args[1])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c.Printf("scanning ids %d-%d...\n", start, end)
	ids, err := s.bus.Scan(ctx, start, end)
	if err != nil {
		c.Err(err)
		return
	}
	if len(ids) == 0 {
		c.Println("no motors found")
		return
	}
	for _, id := range ids {
		model, err := s.modelFor(ctx, id)
		if err != nil {
			c.Printf("  id %3d (model unknown: %v)\n", id, err)
			continue
		}
		c.Printf("  id %3d %s\n", id, model.Name)
	}
}

func (s *session) ping(c *ishell.Context) {
	id, ok := argID(c, 0)
	if !ok {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	if err := s.bus.Ping(ctx, id); err != nil {
		c.Err(err)
		return
	}
	c.Printf("id %d is alive\n", id)
}

func (s *session) read(c *ishell.Context) {
	if len(c.Args) != 2 {
		c.Println("usage: read <id> <register>")
		return
	}
	id, ok := argID(c, 0)
	if !ok {
		return
	}
	ctx, cancel := s.ctx()
	defer cancel()

	model, err := s.modelFor(ctx, id)
	if err != nil {
		c.Err(err)
		return
	}
	reg, err := model.Register(c.Args[1])
	if err != nil {
		c.Err(err)
		return
	}
	res, err := s.bus.ReadData(ctx, id, reg.Address, reg.Size)
	if err != nil {
		c.Err(err)
		return
	}
	v, err := reg.Decode(res.Data)
	if err != nil {
		c.Err(err)
		return
	}
	c.Printf("%s = %g\n", reg.Name, v)
	if res.Status.HasError() {
		c.Printf("warning: %v\n", res.Status)
	}
}

func (s *session) write(c *ishell.Context) {
	if len(c.Args) != 3 {
		c.Println("usage: write <id> <register> <value>")
		return
	}
	id, ok := argID(c, 0)
	if !ok {
		return
	}
	value, err := strconv.ParseFloat(c.Args[2], 64)
	if err != nil {
		c.Err(fmt.Errorf("bad value: %v", err))
		return
	}

	ctx, cancel := s.ctx()
	defer cancel()

	model, err := s.modelFor(ctx, id)
	if err != nil {
		c.Err(err)
		return
	}
	reg, err := model.Register(c.Args[1])
	if err != nil {
		c.Err(err)
		return
	}
	data, err := reg.Encode(value)
	if err != nil {
		c.Err(err)
		return
	}
	status, err := s.bus.WriteData(ctx, id, reg.Address, data)
	if err != nil {
		c.Err(err)
		return
	}
	if status.HasError() {
		c.Printf("warning: %v\n", status)
	}
	c.Println("ok")
}

func (s *session) pos(c *ishell.Context) {
	switch len(c.Args) {
	case 1:
		c.Args = append(c.Args, dynamixel.RegPresentPosition)
		s.read(c)
	case 2:
		c.Args = []string{c.Args[0], dynamixel.RegGoalPosition, c.Args[1]}
		s.write(c)
	default:
		c.Println("usage: pos <id> [degrees]")
	}
}

func (s *session) torque(c *ishell.Context) {
	if len(c.Args) != 2 || (c.Args[1] != "on" && c.Args[1] != "off") {
		c.Println("usage: torque <id> on|off")
		return
	}
	value := "0"
	if c.Args[1] == "on" {
		value = "1"
	}
	c.Args = []string{c.Args[0], dynamixel.RegTorqueEnable, value}
	s.write(c)
}

func (s *session) regs(c *ishell.Context) {
	id, ok := argID(c, 0)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	model, err := s.modelFor(ctx, id)
	if err != nil {
		c.Err(err)
		return
	}
	c.Printf("id %d %s (%d ticks / %.4g deg)\n", id, model.Name, model.PositionTicks, model.DegreeRange)

	for _, reg := range model.Registers() {
		res, err := s.bus.ReadData(ctx, id, reg.Address, reg.Size)
		if err != nil {
			c.Printf("  %-22s @%-3d <error: %v>\n", reg.Name, reg.Address, err)
			continue
		}
		v, err := reg.Decode(res.Data)
		if err != nil {
			c.Printf("  %-22s @%-3d <decode error: %v>\n", reg.Name, reg.Address, err)
			continue
		}
		c.Printf("  %-22s @%-3d = %g\n", reg.Name, reg.Address, v)
	}
}

func (s *session) reset(c *ishell.Context) {
	id, ok := argID(c, 0)
	if !ok {
		return
	}
	c.Printf("factory reset id %d: the motor reverts to id 1 and default settings.\n", id)
	if c.ReadLine() != "yes" {
		c.Println("aborted (type 'yes' to confirm)")
		return
	}

	ctx, cancel := s.ctx()
	defer cancel()

	if err := s.bus.Reset(ctx, id); err != nil {
		c.Err(err)
		return
	}
	delete(s.models, id)
	c.Println("reset sent")
}

func (s *session) listModels(c *ishell.Context) {
	type entry struct {
		number int
		model  *dynamixel.Model
	}
	var entries []entry
	for _, number := range []int{10, 12, 18, 24, 28, 29, 44, 54, 64, 107, 320, 360} {
		if m, err := dynamixel.ModelByNumber(number); err == nil {
			entries = append(entries, entry{number, m})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].number < entries[j].number })
	for _, e := range entries {
		c.Printf("  %-8s model %3d, %d ticks over %.4g deg\n", e.model.Name, e.number, e.model.PositionTicks, e.model.DegreeRange)
	}
}

func argID(c *ishell.Context, n int) (int, bool) {
	if len(c.Args) <= n {
		c.Println("missing motor id")
		return 0, false
	}
	id, err := strconv.Atoi(c.Args[n])
	if err != nil || id < 0 || id > dynamixel.MaxMotorID {
		c.Err(fmt.Errorf("bad motor id %q", c.Args[n]))
		return 0, false
	}
	return id, true
}
