package config

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pion/stun"
	"github.com/pkg/errors"

	"github.com/livekit/pcengine/pkg/logger"
)

const (
	externalIPAttempts = 3
	stunTimeout        = 5 * time.Second
)

var ErrNoExternalIP = errors.New("could not determine public IP")

// determineExternalIP asks each STUN server in turn for the reflexive address of this host
func determineExternalIP(servers []string) (string, error) {
	addrs := make([]string, 0, len(servers))
	for _, s := range servers {
		addr, err := stunServerAddress(s)
		if err != nil {
			return "", err
		}
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return "", errors.New("STUN servers are required but not defined")
	}

	var err error
	for i := 0; i < externalIPAttempts; i++ {
		var ip string
		ip, err = GetExternalIP(addrs[i%len(addrs)], nil)
		if err == nil {
			logger.GetLogger().Infow("resolved external IP", "ip", ip, "stunServer", addrs[i%len(addrs)])
			return ip, nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return "", errors.Wrap(err, "could not resolve external IP")
}

func stunServerAddress(raw string) (string, error) {
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return "", errors.Wrapf(ErrInvalidSTUNServer, "%s: %v", raw, err)
	}
	return net.JoinHostPort(uri.Host, strconv.Itoa(uri.Port)), nil
}

// GetLocalIPAddresses lists IPv4 interface addresses, loopback ones last and only when nothing else is found or includeLoopback is set
func GetLocalIPAddresses(includeLoopback bool) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	loopBacks := make([]string, 0)
	addresses := make([]string, 0)
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch typedAddr := addr.(type) {
			case *net.IPNet:
				ip = typedAddr.IP.To4()
			case *net.IPAddr:
				ip = typedAddr.IP.To4()
			default:
				continue
			}
			if ip == nil {
				continue
			}
			if ip.IsLoopback() {
				loopBacks = append(loopBacks, ip.String())
			} else {
				addresses = append(addresses, ip.String())
			}
		}
	}

	if includeLoopback {
		addresses = append(addresses, loopBacks...)
	}

	if len(addresses) > 0 {
		return addresses, nil
	}
	if len(loopBacks) > 0 {
		return loopBacks, nil
	}
	return nil, fmt.Errorf("could not find local IP address")
}

// GetExternalIP sends a binding request to stunServer (host:port) from localAddr, or an
// automatically chosen address when localAddr is nil, and checks the mapped address is reachable.
func GetExternalIP(stunServer string, localAddr *net.UDPAddr) (string, error) {
	dialer := &net.Dialer{}
	if localAddr != nil {
		dialer.LocalAddr = localAddr
	}
	conn, err := dialer.Dial("udp4", stunServer)
	if err != nil {
		return "", err
	}
	boundAddr, _ := conn.LocalAddr().(*net.UDPAddr)

	c, err := stun.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	defer c.Close()

	message, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return "", err
	}

	errCh := make(chan error, 1)
	ipCh := make(chan string, 1)
	err = c.Start(message, func(res stun.Event) {
		if res.Error != nil {
			select {
			case errCh <- res.Error:
			default:
			}
			return
		}

		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res.Message); err != nil {
			select {
			case errCh <- err:
			default:
			}
			return
		}
		if ip := xorAddr.IP.To4(); ip != nil {
			select {
			case ipCh <- ip.String():
			default:
			}
		}
	})
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(context.Background(), stunTimeout)
	defer cancel()
	select {
	case nodeIP := <-ipCh:
		// release the port before listening on it again
		_ = c.Close()
		return nodeIP, validateExternalIP(nodeIP, boundAddr)
	case err := <-errCh:
		return "", errors.Wrap(err, ErrNoExternalIP.Error())
	case <-ctx.Done():
		return "", ErrNoExternalIP
	}
}

// validateExternalIP sends a datagram to nodeIP and expects to receive it on addr
func validateExternalIP(nodeIP string, addr *net.UDPAddr) error {
	srv, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	defer srv.Close()

	magicString := "pcengine-" + strconv.FormatInt(time.Now().UnixNano(), 36)

	validCh := make(chan struct{})
	go func() {
		buf := make([]byte, 1024)
		for {
			n, err := srv.Read(buf)
			if err != nil {
				logger.GetLogger().Debugw("stopped reading external IP probe", "error", err)
				return
			}
			if string(buf[:n]) == magicString {
				close(validCh)
				return
			}
		}
	}()

	cli, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: net.ParseIP(nodeIP), Port: srv.LocalAddr().(*net.UDPAddr).Port})
	if err != nil {
		return err
	}
	defer cli.Close()

	if _, err = cli.Write([]byte(magicString)); err != nil {
		return err
	}

	select {
	case <-validCh:
		return nil
	case <-time.After(3 * time.Second):
	}
	return fmt.Errorf("could not validate external IP %s", nodeIP)
}
