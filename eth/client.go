package eth

import (
	"github.com/dfarchon/darkforest-mud-sub002/common"
	"github.com/ethereum/go-ethereum/accounts"
	ethKeystore "github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ClientInterface is what the coordinator needs from the ethereum node: the
// read calls, the nonce and gas queries and the submission and confirmation
// of signed transactions.
type ClientInterface interface {
	EthereumInterface
}

// Client is the go-ethereum backed ClientInterface.  It signs every
// transaction with one unlocked keystore account.
type Client struct {
	*EthereumClient
}

// ClientConfig is the configuration of the Client
type ClientConfig struct {
	Ethereum EthereumConfig
}

// NewClient creates a new Client over an already dialed node connection
func NewClient(client *ethclient.Client, account *accounts.Account, ks *ethKeystore.KeyStore,
	cfg *ClientConfig) (*Client, error) {
	ethereumClient, err := NewEthereumClient(client, account, ks, &cfg.Ethereum)
	if err != nil {
		return nil, common.Wrap(err)
	}
	return &Client{EthereumClient: ethereumClient}, nil
}

// Dial connects to the node at url and creates a Client
func Dial(url string, account *accounts.Account, ks *ethKeystore.KeyStore,
	cfg *ClientConfig) (*Client, error) {
	client, err := ethclient.Dial(url)
	if err != nil {
		return nil, common.Wrap(err)
	}
	c, err := NewClient(client, account, ks, cfg)
	if err != nil {
		client.Close()
		return nil, common.Wrap(err)
	}
	return c, nil
}

// Close the connection to the node
func (c *Client) Close() {
	c.client.Close()
}
