// Package broker talks to beanstalkd-compatible brokers.
//
// A Link owns one endpoint and its transport. Every operation is retried
// through a bounded reconnect loop when the transport drops. A Pool spreads
// puts over several links, quarantines endpoints that fail and brings them
// back once they answer again.
//
// The transport is the Conn interface. BeanstalkDialer connects to a real
// broker; package brokertest provides an in-memory one for tests.
package broker
