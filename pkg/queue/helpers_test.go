package queue

import (
	"context"

	"github.com/jdziat/simple-beanstalk-jobs/pkg/broker"
)

var brokerEndpoint = broker.Endpoint{Host: "127.0.0.1", Port: broker.DefaultPort}

// connPutter puts straight onto one transport connection.
type connPutter struct {
	conn broker.Conn
}

func (c connPutter) Put(ctx context.Context, tube string, body []byte, p broker.PutParams) (uint64, error) {
	return c.conn.Put(tube, body, p.Priority, p.Delay, p.TTR)
}
