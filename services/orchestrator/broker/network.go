// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package broker

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
)

const (
	defaultPingCount   = 5
	pingReplyTimeout   = 2 * time.Second
	protocolICMP       = 1
	defaultDialTimeout = 2 * time.Second
)

// PortReachable reports whether a TCP connection to host:port succeeds
// within timeout.
func PortReachable(ctx context.Context, host string, port int, timeout time.Duration) bool {
	if host == "" || port <= 0 || port > 65535 {
		return false
	}
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// PingLatencyMs sends count ICMP echo requests to host and returns the
// average round trip of the replies in milliseconds.
//
// # Description
//
// Uses an unprivileged ICMP datagram socket ("udp4"), which Linux allows
// when net.ipv4.ping_group_range covers the process group. The kernel
// rewrites the echo ID on such sockets, so replies are matched by sequence
// number only. Each request waits up to 2s for its reply.
//
// # Outputs
//
//   - float64: Average RTT in ms, or -1 when the host does not resolve,
//     the socket cannot be opened or no reply arrives.
func PingLatencyMs(ctx context.Context, host string, count int) float64 {
	if count <= 0 {
		count = defaultPingCount
	}

	ip, err := resolveIPv4(ctx, host)
	if err != nil {
		return -1
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return -1
	}
	defer conn.Close()

	dst := &net.UDPAddr{IP: ip}
	buf := make([]byte, 1500)
	var total time.Duration
	replies := 0

	for seq := 1; seq <= count; seq++ {
		if ctx.Err() != nil {
			break
		}
		msg := icmp.Message{
			Type: ipv4.ICMPTypeEcho,
			Code: 0,
			Body: &icmp.Echo{ID: seq, Seq: seq, Data: []byte("kb-ping")},
		}
		wb, err := msg.Marshal(nil)
		if err != nil {
			return -1
		}

		start := time.Now()
		if _, err := conn.WriteTo(wb, dst); err != nil {
			continue
		}

		deadline := start.Add(pingReplyTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetReadDeadline(deadline)

		for {
			n, _, err := conn.ReadFrom(buf)
			if err != nil {
				break
			}
			rm, err := icmp.ParseMessage(protocolICMP, buf[:n])
			if err != nil || rm.Type != ipv4.ICMPTypeEchoReply {
				continue
			}
			if echo, ok := rm.Body.(*icmp.Echo); ok && echo.Seq == seq {
				total += time.Since(start)
				replies++
				break
			}
		}
	}

	if replies == 0 {
		return -1
	}
	return float64(total.Microseconds()) / float64(replies) / 1000
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, &net.AddrError{Err: "not an IPv4 address", Addr: host}
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, a := range addrs {
		if v4 := a.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, &net.AddrError{Err: "no IPv4 address", Addr: host}
}
