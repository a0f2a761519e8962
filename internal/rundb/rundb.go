// Package rundb records acquisition runs and their lock-in estimates in a
// ClickHouse database. The daemon runs fine with no database reachable: all
// Record* calls become no-ops on an unconnected handle.
package rundb

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/oklog/ulid/v2"
)

const databaseName = "oscilock" // official SQL name of the database

// Connection is a handle on the run database. A zero-value or failed
// connection is usable; it just records nothing.
type Connection struct {
	conn        clickhouse.Conn
	err         error
	runmsg      chan *RunMessage
	estimatemsg chan *EstimateMessage
	sync.WaitGroup
}

// NewRunID returns a fresh ULID to identify one acquisition run.
func NewRunID() string {
	return ulid.Make().String()
}

// IsConnected reports whether the handle can reach the database.
func (db *Connection) IsConnected() bool {
	return (db != nil) && (db.conn != nil) && (db.err == nil)
}

// PingServer opens a throwaway connection and reports the server version.
func PingServer() error {
	db := createConnection()
	if !db.IsConnected() {
		return fmt.Errorf("database is not connected")
	}
	v, err := db.conn.ServerVersion()
	if err != nil {
		return err
	}
	fmt.Printf("ClickHouse server is alive. Version:\n%s\n", v)
	return db.conn.Close()
}

// StartConnection opens the database connection and launches the goroutine
// that drains run and estimate messages until abort is closed.
func StartConnection(abort <-chan struct{}) *Connection {
	db := createConnection()
	go db.handleConnection(abort)
	return db
}

// DummyConnection returns an unconnected handle, for tests and for running
// with the database disabled.
func DummyConnection() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

func createConnection() *Connection {
	db := &Connection{}
	auth := clickhouse.Auth{
		Database: databaseName,
		Username: os.Getenv("OSCILOCK_DB_USER"),
		Password: os.Getenv("OSCILOCK_DB_PASSWORD"),
	}
	opt := clickhouse.Options{
		Addr: []string{"localhost:9000"},
		Auth: auth,
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		db.Add(1)
		return db
	}
	db.conn = conn
	db.Add(1)

	if err = conn.Ping(context.Background()); err != nil {
		if exception, ok := err.(*clickhouse.Exception); ok {
			fmt.Printf("Exception [%d] %s\n%s\n", exception.Code, exception.Message, exception.StackTrace)
		}
		db.err = err
		return db
	}

	db.runmsg = make(chan *RunMessage)
	db.estimatemsg = make(chan *EstimateMessage)
	return db
}

func (db *Connection) handleConnection(abort <-chan struct{}) {
	defer db.Done()
	if !db.IsConnected() {
		<-abort
		return
	}
	for {
		select {
		case <-abort:
			return
		case rmsg := <-db.runmsg:
			db.handleRunMessage(rmsg)
		case emsg := <-db.estimatemsg:
			db.handleEstimateMessage(emsg)
		}
	}
}

// RecordRun stores a run-started entry. This call blocks until the message
// is accepted, so the run row exists before any estimate rows that refer to
// its ID can be inserted.
func (db *Connection) RecordRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.runmsg <- msg
}

// FinishRun updates the run's end time asynchronously.
func (db *Connection) FinishRun(msg *RunMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.runmsg <- msg }()
}

// RecordEstimate stores one cycle's averaged estimate asynchronously.
func (db *Connection) RecordEstimate(msg *EstimateMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	go func() { db.estimatemsg <- msg }()
}

func (db *Connection) handleRunMessage(m *RunMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	formattedStart := m.Start.Format("2006-01-02 15:04:05.000000")
	formattedEnd := m.End.Format("2006-01-02 15:04:05.000000")
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO runs VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`, nowait,
		m.ID, m.Hostname, m.Source, m.MemoryDepth,
		m.LowPassCutoffHz, m.FilterOrder, m.AveragingFraction,
		formattedStart, formattedEnd,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into runs ", err)
		db.err = err
	}
}

func (db *Connection) handleEstimateMessage(m *EstimateMessage) {
	if !db.IsConnected() {
		return
	}
	const nowait = false
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO estimates VALUES (?, ?, ?, ?, ?, ?)`, nowait,
		m.RunID, m.Cycle, m.Amplitude, m.PhaseRadians, m.FundamentalHz, m.Timestamp,
	); err != nil {
		fmt.Println("Error raised on AsyncInsert into estimates ", err)
		db.err = err
	}
}
