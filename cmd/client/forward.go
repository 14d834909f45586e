package main

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/matst80/portbroker/internal/event"
	"github.com/matst80/portbroker/internal/httpx"
	"github.com/matst80/portbroker/internal/obs"
	"github.com/matst80/portbroker/internal/proto"
)

const maxHeaderBytes = 64 * 1024

// forward dials the data address for req and splices it to the local target.
func (c *client) forward(session string, req proto.Request, t Tunnel) {
	// Establish data connection first so server doesn't time out.
	dataConn, err := net.Dial("tcp", c.cfg.DataAddr)
	if err != nil {
		obs.Error("client.data.dial", obs.Fields{"err": err.Error(), "id": req.ID})
		return
	}
	if err := proto.WriteJSONLine(dataConn, proto.Data{Session: session, ID: req.ID}); err != nil {
		obs.Error("client.data.handshake", obs.Fields{"err": err.Error(), "id": req.ID})
		_ = dataConn.Close()
		return
	}
	obs.Debug("client.request", obs.Fields{"id": req.ID, "kind": req.Kind, "remote": req.Remote, "target": t.Target})
	if event.Kind(t.Register.Kind) == event.KindUDP {
		forwardPackets(dataConn, t.Target)
		return
	}
	c.forwardStream(dataConn, t)
}

func (c *client) forwardStream(dataConn net.Conn, t Tunnel) {
	isHTTP := event.Kind(t.Register.Kind) == event.KindHTTP
	local, err := net.Dial("tcp", t.Target)
	if err != nil {
		if isHTTP {
			// Send a quick 502 so the user sees a response.
			_ = httpx.WriteStatus(dataConn, http.StatusBadGateway, "")
		}
		_ = dataConn.Close()
		obs.Error("client.local.dial", obs.Fields{"err": err.Error(), "target": t.Target})
		return
	}
	var src io.Reader = dataConn
	if isHTTP && (c.cfg.StripHost || c.cfg.HostRewrite != "") {
		rd := bufio.NewReader(dataConn)
		if err := rewriteHeaders(rd, local, c.cfg.StripHost, c.cfg.HostRewrite); err != nil {
			obs.Error("client.header.rewrite", obs.Fields{"err": err.Error()})
			_ = local.Close()
			_ = dataConn.Close()
			return
		}
		src = rd
	}
	splice(dataConn, local, src)
}

// rewriteHeaders reads the first request head from rd, applies host
// stripping or rewriting and writes it to w.
func rewriteHeaders(rd *bufio.Reader, w io.Writer, stripHost bool, hostRewrite string) error {
	ph, _, err := httpx.ParseRequest(rd, maxHeaderBytes)
	if err != nil {
		return err
	}
	switch {
	case stripHost:
		ph.StripHost()
	case hostRewrite != "":
		ph.ReplaceHost(hostRewrite)
	}
	_, err = ph.WriteTo(w)
	return err
}

// splice copies in both directions until either side ends. src is read in
// place of dataConn when headers were already consumed from it.
func splice(dataConn, local net.Conn, src io.Reader) {
	var once sync.Once
	closeBoth := func() {
		_ = local.Close()
		_ = dataConn.Close()
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(local, src)
		once.Do(closeBoth)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(dataConn, local)
		once.Do(closeBoth)
	}()
	wg.Wait()
}

// forwardPackets relays datagram frames between dataConn and a UDP socket
// connected to target.
func forwardPackets(dataConn net.Conn, target string) {
	local, err := net.Dial("udp", target)
	if err != nil {
		obs.Error("client.local.dial", obs.Fields{"err": err.Error(), "target": target})
		_ = dataConn.Close()
		return
	}
	var once sync.Once
	closeBoth := func() {
		_ = local.Close()
		_ = dataConn.Close()
	}
	defer once.Do(closeBoth)
	go func() {
		defer once.Do(closeBoth)
		buf := make([]byte, proto.MaxDatagram)
		for {
			n, err := local.Read(buf)
			if err != nil {
				return
			}
			if err := proto.WriteFrame(dataConn, buf[:n]); err != nil {
				return
			}
		}
	}()
	for {
		p, err := proto.ReadFrame(dataConn)
		if err != nil {
			return
		}
		if _, err := local.Write(p); err != nil {
			return
		}
	}
}
