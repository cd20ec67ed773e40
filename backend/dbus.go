package backend

import (
	"context"

	"github.com/go-errors/errors"
	"github.com/godbus/dbus/v5"
)

const (
	Service   = "land.lightning.Software.Backend"
	Interface = "land.lightning.Software.Backend"
	Path      = dbus.ObjectPath("/land/lightning/Software/Backend")

	propertiesInterface = "org.freedesktop.DBus.Properties"
	busInterface        = "org.freedesktop.DBus"
)

type Config struct {
	Conn   *dbus.Conn
	Logger Logger
}

// Client is a Backend reached over the system bus.
type Client struct {
	conn *dbus.Conn
	obj  dbus.BusObject
	log  Logger
}

// Compile time check for protocol compatibility
var _ Backend = (*Client)(nil)

func NewClient(config *Config) *Client {
	c := &Client{
		conn: config.Conn,
		obj:  config.Conn.Object(Service, Path),
		log:  config.Logger,
	}

	if c.log == nil {
		c.log = noopLogger{}
	}

	return c
}

func (c *Client) call(ctx context.Context, method string, args ...interface{}) *dbus.Call {
	c.log.Debugf("Calling backend %s", method)

	return c.obj.CallWithContext(ctx, Interface+"."+method, 0, args...)
}

func (c *Client) RefreshRepositories(ctx context.Context) error {
	if call := c.call(ctx, "refreshRepositories"); call.Err != nil {
		return errors.Errorf("could not refresh repositories: %v", call.Err)
	}

	return nil
}

func (c *Client) AddRepository(ctx context.Context, name string, urls []string) error {
	if call := c.call(ctx, "addRepository", name, urls); call.Err != nil {
		return errors.Errorf("could not add repository %s: %v", name, call.Err)
	}

	return nil
}

func (c *Client) RemoveRepository(ctx context.Context, name string) error {
	if call := c.call(ctx, "removeRepository", name); call.Err != nil {
		return errors.Errorf("could not remove repository %s: %v", name, call.Err)
	}

	return nil
}

func (c *Client) ListUpdates(ctx context.Context) ([]byte, error) {
	call := c.call(ctx, "listUpdates")
	if call.Err != nil {
		return nil, errors.Errorf("could not list updates: %v", call.Err)
	}

	var applicationUpdates, systemUpdate []byte
	if err := call.Store(&applicationUpdates, &systemUpdate); err != nil {
		return nil, errors.Errorf("could not store value: %v", err)
	}

	return applicationUpdates, nil
}

func (c *Client) ListInstalledApplications(ctx context.Context) ([]byte, error) {
	call := c.call(ctx, "listInstalledApplications")
	if call.Err != nil {
		return nil, errors.Errorf("could not list installed applications: %v", call.Err)
	}

	var applications []byte
	if err := call.Store(&applications); err != nil {
		return nil, errors.Errorf("could not store value: %v", err)
	}

	return applications, nil
}

func (c *Client) InstallApplications(ctx context.Context, applications []byte) error {
	if call := c.call(ctx, "installApplications", applications); call.Err != nil {
		return errors.Errorf("could not install applications: %v", call.Err)
	}

	return nil
}

func (c *Client) RemoveApplications(ctx context.Context, applications []byte) error {
	if call := c.call(ctx, "removeApplications", applications); call.Err != nil {
		return errors.Errorf("could not remove applications: %v", call.Err)
	}

	return nil
}

func (c *Client) DownloadApplicationUpdates(ctx context.Context, updates []byte) error {
	if call := c.call(ctx, "downloadApplicationUpdates", updates); call.Err != nil {
		return errors.Errorf("could not download application updates: %v", call.Err)
	}

	return nil
}

func (c *Client) UpdateApplications(ctx context.Context, updates []byte) error {
	if call := c.call(ctx, "updateApplications", updates); call.Err != nil {
		return errors.Errorf("could not update applications: %v", call.Err)
	}

	return nil
}

func (c *Client) UpdateSystem(ctx context.Context, path string) error {
	if call := c.call(ctx, "updateSystem", path); call.Err != nil {
		return errors.Errorf("could not update system: %v", call.Err)
	}

	return nil
}

func (c *Client) SetSubscribedToProgress(ctx context.Context, subscribed bool) error {
	if call := c.call(ctx, "setSubscribedToProgress", subscribed); call.Err != nil {
		return errors.Errorf("could not set progress subscription: %v", call.Err)
	}

	return nil
}

func (c *Client) AllProperties(ctx context.Context) (map[string]interface{}, error) {
	call := c.obj.CallWithContext(ctx, propertiesInterface+".GetAll", 0, Interface)
	if call.Err != nil {
		return nil, errors.Errorf("could not get backend properties: %v", call.Err)
	}

	var properties map[string]dbus.Variant
	if err := call.Store(&properties); err != nil {
		return nil, errors.Errorf("could not store value: %v", err)
	}

	return unwrapVariants(properties), nil
}

// Available reports whether the backend currently owns its bus name.
func (c *Client) Available() (bool, error) {
	var has bool

	call := c.conn.BusObject().Call(busInterface+".NameHasOwner", 0, Service)
	if call.Err != nil {
		return false, errors.Errorf("could not query backend name: %v", call.Err)
	}

	if err := call.Store(&has); err != nil {
		return false, errors.Errorf("could not store value: %v", err)
	}

	return has, nil
}

// Watch reports the backend's availability and its progress properties to
// observer until ctx is done.
func (c *Client) Watch(ctx context.Context, observer Observer) error {
	ownerMatch := []dbus.MatchOption{
		dbus.WithMatchObjectPath("/org/freedesktop/DBus"),
		dbus.WithMatchArg(0, Service),
	}

	call := c.conn.BusObject().AddMatchSignal(busInterface, "NameOwnerChanged", ownerMatch...)
	if call.Err != nil {
		return errors.Errorf("could not add signal: %v", call.Err)
	}
	defer c.conn.BusObject().RemoveMatchSignal(busInterface, "NameOwnerChanged", ownerMatch...)

	propertiesMatch := []dbus.MatchOption{
		dbus.WithMatchObjectPath(Path),
		dbus.WithMatchArg(0, Interface),
	}

	call = c.conn.BusObject().AddMatchSignal(propertiesInterface, "PropertiesChanged", propertiesMatch...)
	if call.Err != nil {
		return errors.Errorf("could not add signal: %v", call.Err)
	}
	defer c.conn.BusObject().RemoveMatchSignal(propertiesInterface, "PropertiesChanged", propertiesMatch...)

	signalChan := make(chan *dbus.Signal, 16)
	c.conn.Signal(signalChan)
	defer c.conn.RemoveSignal(signalChan)

	available, err := c.Available()
	if err != nil {
		c.log.Warnf("Could not find out whether the backend is running: %v", err)
	}

	if available {
		c.log.Infof("Package backend is available")
	} else {
		c.log.Infof("Package backend is not running yet")
	}

	observer.SetBackendAvailable(available)

	for {
		select {
		case <-ctx.Done():
			return nil
		case signal, ok := <-signalChan:
			if !ok {
				return errors.New("bus connection closed")
			}

			c.deliverSignal(signal, observer)
		}
	}
}

func (c *Client) deliverSignal(signal *dbus.Signal, observer Observer) {
	switch signal.Name {
	case busInterface + ".NameOwnerChanged":
		if len(signal.Body) < 3 {
			return
		}

		name, _ := signal.Body[0].(string)
		newOwner, _ := signal.Body[2].(string)

		if name != Service {
			return
		}

		if newOwner != "" {
			c.log.Infof("Package backend registered on the bus")
		} else {
			c.log.Infof("Package backend left the bus")
		}

		observer.SetBackendAvailable(newOwner != "")

	case propertiesInterface + ".PropertiesChanged":
		if signal.Path != Path || len(signal.Body) < 2 {
			return
		}

		iface, _ := signal.Body[0].(string)
		changed, ok := signal.Body[1].(map[string]dbus.Variant)
		if iface != Interface || !ok {
			return
		}

		observer.PropertiesChanged(unwrapVariants(changed))
	}
}

func unwrapVariants(variants map[string]dbus.Variant) map[string]interface{} {
	values := make(map[string]interface{}, len(variants))
	for key, variant := range variants {
		values[key] = variant.Value()
	}

	return values
}
