package directory

import "net/http"

// DropConn closes the live socket underneath w, the way a server restart
// would, and waits for the client to notice.
func DropConn(w *WS) {
	w.ws.mu.Lock()
	s := w.ws.cur
	w.ws.mu.Unlock()
	if s == nil {
		return
	}
	_ = s.conn.Close()
	<-s.done
}

func HTTPClientOf(h *HTTP) *http.Client {
	return h.rt.(*httpCaller).hc
}
